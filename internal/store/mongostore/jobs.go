package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type resultDoc struct {
	Refreshed    bool `bson:"refreshed"`
	DailyCredits int  `bson:"dailyCredits"`
	BonusCredits int  `bson:"bonusCredits"`
}

type jobDoc struct {
	ID           string     `bson:"_id"`
	UserID       string     `bson:"userId"`
	Cycle        string     `bson:"cycle"`
	Status       string     `bson:"status"`
	Attempts     int        `bson:"attempts"`
	MaxAttempts  int        `bson:"maxAttempts"`
	ScheduledFor time.Time  `bson:"scheduledFor"`
	CreatedAt    time.Time  `bson:"createdAt"`
	UpdatedAt    time.Time  `bson:"updatedAt"`
	Error        string     `bson:"error,omitempty"`
	Result       *resultDoc `bson:"result,omitempty"`
}

func toJobDoc(job credits.RefreshJob) jobDoc {
	doc := jobDoc{
		ID:           job.ID,
		UserID:       job.UserID,
		Cycle:        job.Cycle,
		Status:       string(job.Status),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		ScheduledFor: job.ScheduledFor.UTC(),
		CreatedAt:    job.CreatedAt.UTC(),
		UpdatedAt:    job.UpdatedAt.UTC(),
		Error:        job.Error,
	}
	if job.Result != nil {
		doc.Result = &resultDoc{
			Refreshed:    job.Result.Refreshed,
			DailyCredits: job.Result.DailyCredits,
			BonusCredits: job.Result.BonusCredits,
		}
	}
	return doc
}

func fromJobDoc(doc jobDoc) credits.RefreshJob {
	job := credits.RefreshJob{
		ID:           doc.ID,
		UserID:       doc.UserID,
		Cycle:        doc.Cycle,
		Status:       credits.JobStatus(doc.Status),
		Attempts:     doc.Attempts,
		MaxAttempts:  doc.MaxAttempts,
		ScheduledFor: doc.ScheduledFor.UTC(),
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
		Error:        doc.Error,
	}
	if doc.Result != nil {
		job.Result = &credits.JobResult{
			Refreshed:    doc.Result.Refreshed,
			DailyCredits: doc.Result.DailyCredits,
			BonusCredits: doc.Result.BonusCredits,
		}
	}
	return job
}

// JobStore is a store.JobStore over the credit_refresh_jobs collection.
type JobStore struct {
	jobs *mongo.Collection
}

// NewJobStore binds a job store to db.
func NewJobStore(db *mongo.Database) *JobStore {
	return &JobStore{jobs: db.Collection(JobsCollection)}
}

var _ store.JobStore = (*JobStore)(nil)

// EnsureIndexes creates the dedupe, claim and retention indexes.
func (s *JobStore) EnsureIndexes(ctx context.Context) error {
	_, errCreate := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "cycle", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("user_cycle"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "scheduledFor", Value: 1}},
			Options: options.Index().SetName("status_due"),
		},
		{
			Keys:    bson.D{{Key: "updatedAt", Value: -1}},
			Options: options.Index().SetName("updated_at"),
		},
	})
	if errCreate != nil {
		return fmt.Errorf("mongostore: create job indexes: %w", errCreate)
	}
	return nil
}

// CreateJob inserts job or returns the existing job for its user and cycle.
func (s *JobStore) CreateJob(ctx context.Context, job credits.RefreshJob) (credits.RefreshJob, bool, error) {
	_, errInsert := s.jobs.InsertOne(ctx, toJobDoc(job))
	if errInsert == nil {
		return job, true, nil
	}
	if !mongo.IsDuplicateKeyError(errInsert) {
		return credits.RefreshJob{}, false, credits.Unavailable(errInsert)
	}
	var existing jobDoc
	if errFind := s.jobs.FindOne(ctx, bson.M{"userId": job.UserID, "cycle": job.Cycle}).Decode(&existing); errFind != nil {
		return credits.RefreshJob{}, false, credits.Unavailable(errFind)
	}
	return fromJobDoc(existing), false, nil
}

// GetJob loads a job by id.
func (s *JobStore) GetJob(ctx context.Context, id string) (credits.RefreshJob, error) {
	var doc jobDoc
	if errFind := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); errFind != nil {
		if errors.Is(errFind, mongo.ErrNoDocuments) {
			return credits.RefreshJob{}, fmt.Errorf("%w: job %s", credits.ErrNotFound, id)
		}
		return credits.RefreshJob{}, credits.Unavailable(errFind)
	}
	return fromJobDoc(doc), nil
}

// ClaimDueJob atomically claims the oldest due pending job.
func (s *JobStore) ClaimDueJob(ctx context.Context, now time.Time) (credits.RefreshJob, bool, error) {
	now = now.UTC()
	filter := bson.M{
		"status":       string(credits.JobPending),
		"scheduledFor": bson.M{"$lte": now},
		"$expr":        bson.M{"$lt": bson.A{"$attempts", "$maxAttempts"}},
	}
	update := bson.M{
		"$set": bson.M{"status": string(credits.JobProcessing), "updatedAt": now},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "scheduledFor", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc jobDoc
	if errClaim := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); errClaim != nil {
		if errors.Is(errClaim, mongo.ErrNoDocuments) {
			return credits.RefreshJob{}, false, nil
		}
		return credits.RefreshJob{}, false, credits.Unavailable(errClaim)
	}
	return fromJobDoc(doc), true, nil
}

// CompleteJob records a successful outcome.
func (s *JobStore) CompleteJob(ctx context.Context, id string, result credits.JobResult, now time.Time) (credits.RefreshJob, error) {
	return s.transition(ctx, id, bson.M{
		"status":    string(credits.JobCompleted),
		"updatedAt": now.UTC(),
		"error":     "",
		"result": resultDoc{
			Refreshed:    result.Refreshed,
			DailyCredits: result.DailyCredits,
			BonusCredits: result.BonusCredits,
		},
	})
}

// RescheduleJob returns a job to pending with a later due time.
func (s *JobStore) RescheduleJob(ctx context.Context, id, errMsg string, scheduledFor, now time.Time) (credits.RefreshJob, error) {
	return s.transition(ctx, id, bson.M{
		"status":       string(credits.JobPending),
		"error":        errMsg,
		"scheduledFor": scheduledFor.UTC(),
		"updatedAt":    now.UTC(),
	})
}

// FailJob marks a job permanently failed.
func (s *JobStore) FailJob(ctx context.Context, id, errMsg string, now time.Time) (credits.RefreshJob, error) {
	return s.transition(ctx, id, bson.M{
		"status":    string(credits.JobFailed),
		"error":     errMsg,
		"updatedAt": now.UTC(),
	})
}

// ListStaleJobs returns processing jobs last touched before cutoff, oldest first.
func (s *JobStore) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]credits.RefreshJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	cur, errFind := s.jobs.Find(ctx,
		bson.M{"status": string(credits.JobProcessing), "updatedAt": bson.M{"$lt": before.UTC()}},
		options.Find().
			SetSort(bson.D{{Key: "updatedAt", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(limit)),
	)
	if errFind != nil {
		return nil, credits.Unavailable(errFind)
	}
	var docs []jobDoc
	if errAll := cur.All(ctx, &docs); errAll != nil {
		return nil, credits.Unavailable(errAll)
	}
	out := make([]credits.RefreshJob, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromJobDoc(doc))
	}
	return out, nil
}

// ReleaseStaleJob moves an expired processing job to pending or failed.
func (s *JobStore) ReleaseStaleJob(ctx context.Context, id string, before time.Time, status credits.JobStatus, errMsg string, scheduledFor, now time.Time) (credits.RefreshJob, bool, error) {
	set := bson.M{
		"status":    string(status),
		"error":     errMsg,
		"updatedAt": now.UTC(),
	}
	switch status {
	case credits.JobPending:
		set["scheduledFor"] = scheduledFor.UTC()
	case credits.JobFailed:
	default:
		return credits.RefreshJob{}, false, fmt.Errorf("%w: processing to %s", credits.ErrInvalidTransition, status)
	}
	var doc jobDoc
	errUpdate := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(credits.JobProcessing), "updatedAt": bson.M{"$lt": before.UTC()}},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errUpdate != nil {
		if errors.Is(errUpdate, mongo.ErrNoDocuments) {
			return credits.RefreshJob{}, false, nil
		}
		return credits.RefreshJob{}, false, credits.Unavailable(errUpdate)
	}
	return fromJobDoc(doc), true, nil
}

func (s *JobStore) transition(ctx context.Context, id string, set bson.M) (credits.RefreshJob, error) {
	var doc jobDoc
	errUpdate := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(credits.JobProcessing)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errUpdate == nil {
		return fromJobDoc(doc), nil
	}
	if !errors.Is(errUpdate, mongo.ErrNoDocuments) {
		return credits.RefreshJob{}, credits.Unavailable(errUpdate)
	}
	current, errGet := s.GetJob(ctx, id)
	if errGet != nil {
		return credits.RefreshJob{}, errGet
	}
	return current, fmt.Errorf("%w: job %s is %s", credits.ErrInvalidTransition, id, current.Status)
}

// CountJobsByStatus groups jobs by status.
func (s *JobStore) CountJobsByStatus(ctx context.Context) (map[credits.JobStatus]int64, error) {
	cur, errAgg := s.jobs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if errAgg != nil {
		return nil, credits.Unavailable(errAgg)
	}
	var rows []struct {
		Status string `bson:"_id"`
		Total  int64  `bson:"total"`
	}
	if errAll := cur.All(ctx, &rows); errAll != nil {
		return nil, credits.Unavailable(errAll)
	}
	out := make(map[credits.JobStatus]int64, len(rows))
	for _, row := range rows {
		out[credits.JobStatus(row.Status)] = row.Total
	}
	return out, nil
}

// RecentJobs lists the most recently updated jobs.
func (s *JobStore) RecentJobs(ctx context.Context, limit int, statuses ...credits.JobStatus) ([]credits.RefreshJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	filter := bson.M{}
	if len(statuses) > 0 {
		names := make(bson.A, 0, len(statuses))
		for _, status := range statuses {
			names = append(names, string(status))
		}
		filter["status"] = bson.M{"$in": names}
	}
	cur, errFind := s.jobs.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: -1}}).SetLimit(int64(limit)),
	)
	if errFind != nil {
		return nil, credits.Unavailable(errFind)
	}
	var docs []jobDoc
	if errAll := cur.All(ctx, &docs); errAll != nil {
		return nil, credits.Unavailable(errAll)
	}
	out := make([]credits.RefreshJob, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromJobDoc(doc))
	}
	return out, nil
}

// DeleteFinishedJobs removes one bounded batch of terminal jobs.
func (s *JobStore) DeleteFinishedJobs(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	filter := bson.M{
		"status":    bson.M{"$in": bson.A{string(credits.JobCompleted), string(credits.JobFailed)}},
		"updatedAt": bson.M{"$lt": before.UTC()},
	}
	cur, errFind := s.jobs.Find(ctx, filter,
		options.Find().
			SetProjection(bson.M{"_id": 1}).
			SetSort(bson.D{{Key: "updatedAt", Value: 1}}).
			SetLimit(int64(limit)),
	)
	if errFind != nil {
		return 0, credits.Unavailable(errFind)
	}
	var ids []struct {
		ID string `bson:"_id"`
	}
	if errAll := cur.All(ctx, &ids); errAll != nil {
		return 0, credits.Unavailable(errAll)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	batch := make(bson.A, 0, len(ids))
	for _, row := range ids {
		batch = append(batch, row.ID)
	}
	res, errDelete := s.jobs.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": batch}})
	if errDelete != nil {
		return 0, credits.Unavailable(errDelete)
	}
	return res.DeletedCount, nil
}
