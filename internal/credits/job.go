package credits

import "time"

// JobStatus is the lifecycle state of a refresh job.
type JobStatus string

// Job states. Completed and failed are terminal.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobResult is the structured outcome stored on a completed job.
type JobResult struct {
	Refreshed    bool `json:"refreshed"`
	DailyCredits int  `json:"dailyCredits"`
	BonusCredits int  `json:"bonusCredits"`
}

// RefreshJob is a persisted unit of refresh work for one user.
type RefreshJob struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Cycle        string     `json:"cycle"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"maxAttempts"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	Error        string     `json:"error,omitempty"`
	Result       *JobResult `json:"result,omitempty"`
}

// UserError is a per-user failure reported by batch operations.
type UserError struct {
	UserID string `json:"userId"`
	Error  string `json:"error"`
}
