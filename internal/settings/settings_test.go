package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/altarplan/creditledger/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestParseInt(t *testing.T) {
	cases := map[string]struct {
		want int
		ok   bool
	}{
		`25`:           {25, true},
		`25.0`:         {25, true},
		`"40"`:         {40, true},
		`{"value": 7}`: {7, true},
		`2.5`:          {0, false},
		`"abc"`:        {0, false},
		``:             {0, false},
		`{"other": 1}`: {0, false},
	}
	for raw, tc := range cases {
		got, ok := ParseInt(json.RawMessage(raw))
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseInt(%q) = %d,%v want %d,%v", raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestIntValueFallsBackBelowMinimum(t *testing.T) {
	StoreDBConfig(time.Now(), map[string]json.RawMessage{
		RefreshBatchSizeKey:   json.RawMessage(`200`),
		RefreshConcurrencyKey: json.RawMessage(`0`),
	})
	defer StoreDBConfig(time.Time{}, nil)

	if got := IntValue(RefreshBatchSizeKey, DefaultRefreshBatchSize, 1); got != 200 {
		t.Fatalf("batch size = %d", got)
	}
	if got := IntValue(RefreshConcurrencyKey, DefaultRefreshConcurrency, 1); got != DefaultRefreshConcurrency {
		t.Fatalf("concurrency = %d", got)
	}
	if got := IntValue(WorkerMaxJobsKey, DefaultWorkerMaxJobs, 1); got != DefaultWorkerMaxJobs {
		t.Fatalf("max jobs = %d", got)
	}
}

func TestSaveRefreshesSnapshot(t *testing.T) {
	dsn := fmt.Sprintf("file:settings_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	defer StoreDBConfig(time.Time{}, nil)

	ctx := context.Background()
	if errSave := Save(ctx, db, JobRetentionDaysKey, 30); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	if errSave := Save(ctx, db, JobRetentionDaysKey, 45); errSave != nil {
		t.Fatalf("save again: %v", errSave)
	}
	if got := IntValue(JobRetentionDaysKey, DefaultJobRetentionDays, 0); got != 45 {
		t.Fatalf("retention days = %d", got)
	}
	if DBConfigUpdatedAt().IsZero() {
		t.Fatalf("expected snapshot timestamp")
	}
}
