// Package mongostore implements the ledger and job stores on MongoDB. Ledgers
// live embedded under users/{userId}.credits and jobs in credit_refresh_jobs.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/store"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names.
const (
	UsersCollection = "users"
	JobsCollection  = "credit_refresh_jobs"
)

const casAttempts = 5

// Connect opens a client and returns the named database.
func Connect(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	if uri == "" {
		return nil, nil, fmt.Errorf("mongostore: empty uri")
	}
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	client, errConnect := mongo.Connect(opts)
	if errConnect != nil {
		return nil, nil, fmt.Errorf("mongostore: connect: %w", errConnect)
	}
	if errPing := client.Ping(ctx, nil); errPing != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongostore: ping: %w", errPing)
	}
	log.WithField("database", database).Info("connected to MongoDB")
	return client, client.Database(database), nil
}

type creditsDoc struct {
	DailyCredits      int       `bson:"dailyCredits"`
	BonusCredits      int       `bson:"bonusCredits"`
	UserType          string    `bson:"userType"`
	SubscriptionTier  string    `bson:"subscriptionTier"`
	LastCreditRefresh time.Time `bson:"lastCreditRefresh"`
	Version           int64     `bson:"version"`
}

type userDoc struct {
	ID      string      `bson:"_id"`
	Credits *creditsDoc `bson:"credits,omitempty"`
}

func toCreditsDoc(c credits.UserCredits) creditsDoc {
	return creditsDoc{
		DailyCredits:      c.DailyCredits,
		BonusCredits:      c.BonusCredits,
		UserType:          string(c.UserType),
		SubscriptionTier:  string(c.SubscriptionTier),
		LastCreditRefresh: c.LastCreditRefresh.UTC(),
		Version:           c.Version,
	}
}

func fromUserDoc(doc userDoc) credits.UserCredits {
	out := credits.UserCredits{UserID: doc.ID}
	if doc.Credits == nil {
		return out
	}
	out.DailyCredits = doc.Credits.DailyCredits
	out.BonusCredits = doc.Credits.BonusCredits
	out.UserType = credits.UserType(doc.Credits.UserType)
	out.SubscriptionTier = credits.Tier(doc.Credits.SubscriptionTier)
	out.LastCreditRefresh = doc.Credits.LastCreditRefresh.UTC()
	out.Version = doc.Credits.Version
	return out
}

// LedgerStore is a store.LedgerStore over the users collection.
type LedgerStore struct {
	users *mongo.Collection
}

// NewLedgerStore binds a ledger store to db.
func NewLedgerStore(db *mongo.Database) *LedgerStore {
	return &LedgerStore{users: db.Collection(UsersCollection)}
}

var _ store.LedgerStore = (*LedgerStore)(nil)

// Get returns the embedded ledger for userID.
func (s *LedgerStore) Get(ctx context.Context, userID string) (credits.UserCredits, error) {
	var doc userDoc
	errFind := s.users.FindOne(ctx, bson.M{"_id": userID, "credits": bson.M{"$exists": true}}).Decode(&doc)
	if errFind != nil {
		if errors.Is(errFind, mongo.ErrNoDocuments) {
			return credits.UserCredits{}, fmt.Errorf("%w: user %s", credits.ErrNotFound, userID)
		}
		return credits.UserCredits{}, credits.Unavailable(errFind)
	}
	return fromUserDoc(doc), nil
}

// Create embeds a ledger, upserting the user document when missing.
func (s *LedgerStore) Create(ctx context.Context, record credits.UserCredits) (credits.UserCredits, error) {
	record.Version = 1
	record.LastCreditRefresh = record.LastCreditRefresh.UTC()
	_, errUpdate := s.users.UpdateOne(ctx,
		bson.M{"_id": record.UserID, "credits": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"credits": toCreditsDoc(record)}},
		options.UpdateOne().SetUpsert(true),
	)
	if errUpdate != nil {
		// The filter misses an initialized user, so the upsert collides on _id.
		if mongo.IsDuplicateKeyError(errUpdate) {
			return credits.UserCredits{}, fmt.Errorf("%w: user %s", credits.ErrAlreadyInitialized, record.UserID)
		}
		return credits.UserCredits{}, credits.Unavailable(errUpdate)
	}
	return record, nil
}

// Update applies mutate with a compare-and-set on credits.version.
func (s *LedgerStore) Update(ctx context.Context, userID string, mutate store.Mutation) (credits.UserCredits, error) {
	for i := 0; i < casAttempts; i++ {
		current, errGet := s.Get(ctx, userID)
		if errGet != nil {
			return credits.UserCredits{}, errGet
		}
		next, errMutate := mutate(current)
		if errMutate != nil {
			return current, errMutate
		}
		next.UserID = current.UserID
		next.Version = current.Version + 1

		res, errUpdate := s.users.UpdateOne(ctx,
			bson.M{"_id": userID, "credits.version": current.Version},
			bson.M{"$set": bson.M{"credits": toCreditsDoc(next)}},
		)
		if errUpdate != nil {
			return credits.UserCredits{}, credits.Unavailable(errUpdate)
		}
		if res.MatchedCount == 1 {
			next.LastCreditRefresh = next.LastCreditRefresh.UTC()
			return next, nil
		}
	}
	return credits.UserCredits{}, fmt.Errorf("%w: user %s after %d attempts", store.ErrConflict, userID, casAttempts)
}

// Query pages initialized users in _id order.
func (s *LedgerStore) Query(ctx context.Context, cursor string, limit int) ([]credits.UserCredits, error) {
	if limit <= 0 {
		return nil, nil
	}
	filter := bson.M{"credits": bson.M{"$exists": true}}
	if cursor != "" {
		filter["_id"] = bson.M{"$gt": cursor}
	}
	cur, errFind := s.users.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)),
	)
	if errFind != nil {
		return nil, credits.Unavailable(errFind)
	}
	var docs []userDoc
	if errAll := cur.All(ctx, &docs); errAll != nil {
		return nil, credits.Unavailable(errAll)
	}
	out := make([]credits.UserCredits, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromUserDoc(doc))
	}
	return out, nil
}

// Ping checks server reachability.
func (s *LedgerStore) Ping(ctx context.Context) error {
	if errPing := s.users.Database().Client().Ping(ctx, nil); errPing != nil {
		return credits.Unavailable(errPing)
	}
	return nil
}
