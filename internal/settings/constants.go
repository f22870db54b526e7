package settings

// DB config keys and defaults for runtime tuning of the refresh pipeline.
const (
	// RefreshBatchSizeKey overrides the default sweep page size.
	RefreshBatchSizeKey = "CREDIT_REFRESH_BATCH_SIZE"
	// RefreshConcurrencyKey controls how many users of a page refresh in parallel.
	RefreshConcurrencyKey = "CREDIT_REFRESH_CONCURRENCY"
	// WorkerMaxJobsKey overrides the default jobs per worker pass.
	WorkerMaxJobsKey = "CREDIT_WORKER_MAX_JOBS"
	// WorkerIntervalSecondsKey controls the in-process worker pass interval.
	WorkerIntervalSecondsKey = "CREDIT_WORKER_INTERVAL_SECONDS"
	// JobMaxAttemptsKey sets maxAttempts on newly enqueued jobs.
	JobMaxAttemptsKey = "CREDIT_JOB_MAX_ATTEMPTS"
	// JobRetentionDaysKey is how long finished jobs are kept. Zero disables cleanup.
	JobRetentionDaysKey = "CREDIT_JOB_RETENTION_DAYS"

	// DefaultRefreshBatchSize is the fallback sweep page size.
	DefaultRefreshBatchSize = 50
	// DefaultRefreshConcurrency processes a page sequentially.
	DefaultRefreshConcurrency = 1
	// MaxRefreshConcurrency caps per-page parallelism.
	MaxRefreshConcurrency = 16
	// DefaultWorkerMaxJobs is the fallback jobs per pass.
	DefaultWorkerMaxJobs = 10
	// DefaultWorkerIntervalSeconds is the fallback worker pass interval.
	DefaultWorkerIntervalSeconds = 60
	// DefaultJobMaxAttempts is the fallback attempt ceiling.
	DefaultJobMaxAttempts = 3
	// DefaultJobRetentionDays keeps finished jobs for two weeks.
	DefaultJobRetentionDays = 14
)
