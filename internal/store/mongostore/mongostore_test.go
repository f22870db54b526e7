package mongostore

import (
	"testing"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestCreditsDocumentRoundTripThroughBSON(t *testing.T) {
	refreshed := time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC)
	in := credits.UserCredits{
		UserID:            "u1",
		DailyCredits:      40,
		BonusCredits:      12,
		UserType:          credits.UserTypeCouple,
		SubscriptionTier:  credits.TierBasic,
		LastCreditRefresh: refreshed,
		Version:           7,
	}
	doc := toCreditsDoc(in)
	raw, errMarshal := bson.Marshal(userDoc{ID: in.UserID, Credits: &doc})
	if errMarshal != nil {
		t.Fatalf("marshal: %v", errMarshal)
	}

	embedded := bson.Raw(raw)
	if bonus, ok := embedded.Lookup("credits", "bonusCredits").Int32OK(); !ok || bonus != 12 {
		t.Fatalf("credits.bonusCredits = %v (ok=%v)", bonus, ok)
	}
	if tier, ok := embedded.Lookup("credits", "subscriptionTier").StringValueOK(); !ok || tier != "basic" {
		t.Fatalf("credits.subscriptionTier = %q (ok=%v)", tier, ok)
	}

	var back userDoc
	if errUnmarshal := bson.Unmarshal(raw, &back); errUnmarshal != nil {
		t.Fatalf("unmarshal typed: %v", errUnmarshal)
	}
	out := fromUserDoc(back)
	if !out.LastCreditRefresh.Equal(in.LastCreditRefresh) {
		t.Fatalf("last refresh mismatch: %s", out.LastCreditRefresh)
	}
	out.LastCreditRefresh = in.LastCreditRefresh
	if out != in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestJobDocumentKeepsResult(t *testing.T) {
	job := credits.RefreshJob{
		ID:          "job-1",
		UserID:      "u1",
		Cycle:       "2026-10-19",
		Status:      credits.JobCompleted,
		Attempts:    1,
		MaxAttempts: 3,
		Result:      &credits.JobResult{Refreshed: true, DailyCredits: 15, BonusCredits: 5},
	}
	out := fromJobDoc(toJobDoc(job))
	if out.Result == nil || *out.Result != *job.Result {
		t.Fatalf("result lost: %+v", out.Result)
	}
	if out.Status != credits.JobCompleted || out.Cycle != job.Cycle {
		t.Fatalf("unexpected job: %+v", out)
	}
}
