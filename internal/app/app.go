// Package app wires configuration, storage and transport into the running
// service.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/altarplan/creditledger/internal/config"
	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/db"
	internalhttp "github.com/altarplan/creditledger/internal/http"
	"github.com/altarplan/creditledger/internal/http/api/admin"
	"github.com/altarplan/creditledger/internal/jobs"
	"github.com/altarplan/creditledger/internal/ledger"
	"github.com/altarplan/creditledger/internal/logging"
	"github.com/altarplan/creditledger/internal/metrics"
	"github.com/altarplan/creditledger/internal/monitor"
	"github.com/altarplan/creditledger/internal/refresh"
	"github.com/altarplan/creditledger/internal/resilience"
	"github.com/altarplan/creditledger/internal/scheduler"
	"github.com/altarplan/creditledger/internal/security"
	"github.com/altarplan/creditledger/internal/settings"
	"github.com/altarplan/creditledger/internal/store"
	"github.com/altarplan/creditledger/internal/store/mongostore"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	runLogTTL          = 24 * time.Hour
	runLogMaxRuns      = 200
	monitorCacheTTL    = 10 * time.Second
	storageBreakerName = "storage"
)

// backend is the selected storage implementation.
type backend struct {
	ledgers store.LedgerStore
	jobs    store.JobStore
	// sql is nil for the document store; runtime settings need it.
	sql   *gorm.DB
	close func()
}

func loadConfig(appCfg config.AppConfig) (config.Config, error) {
	return config.Load(config.ResolveConfigPath(appCfg.ConfigPath))
}

func openBackend(ctx context.Context, cfg config.Config, loc *time.Location) (*backend, error) {
	switch cfg.Database.Driver {
	case config.DriverMongo:
		client, database, errConnect := mongostore.Connect(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase)
		if errConnect != nil {
			return nil, errConnect
		}
		jobStore := mongostore.NewJobStore(database)
		if errIndexes := jobStore.EnsureIndexes(ctx); errIndexes != nil {
			_ = client.Disconnect(context.Background())
			return nil, errIndexes
		}
		return &backend{
			ledgers: mongostore.NewLedgerStore(database),
			jobs:    jobStore,
			close: func() {
				if errDisconnect := client.Disconnect(context.Background()); errDisconnect != nil {
					log.WithError(errDisconnect).Warn("mongo disconnect failed")
				}
			},
		}, nil
	default:
		conn, errOpen := db.Open(cfg.Database.DSN, db.Options{Location: loc, MaxOpenConns: cfg.Database.MaxOpenConns})
		if errOpen != nil {
			return nil, errOpen
		}
		if errMigrate := db.Migrate(conn); errMigrate != nil {
			_ = db.Close(conn)
			return nil, errMigrate
		}
		return &backend{
			ledgers: store.NewGormLedgerStore(conn),
			jobs:    store.NewGormJobStore(conn),
			sql:     conn,
			close: func() {
				if errClose := db.Close(conn); errClose != nil {
					log.WithError(errClose).Warn("database close failed")
				}
			},
		}, nil
	}
}

// Migrate opens the configured SQL database and runs migrations.
func Migrate(ctx context.Context, appCfg config.AppConfig) error {
	cfg, err := loadConfig(appCfg)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == config.DriverMongo {
		client, database, errConnect := mongostore.Connect(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase)
		if errConnect != nil {
			return errConnect
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		return mongostore.NewJobStore(database).EnsureIndexes(ctx)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	conn, err := db.Open(cfg.Database.DSN, db.Options{Location: loc})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()
	return db.Migrate(conn)
}

// SaveSetting upserts one runtime tuning value in the settings table.
// Values that parse as JSON are stored as-is, anything else as a string.
func SaveSetting(ctx context.Context, appCfg config.AppConfig, key, raw string) error {
	cfg, err := loadConfig(appCfg)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == config.DriverMongo {
		return fmt.Errorf("settings are only stored by the gorm driver")
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	conn, err := db.Open(cfg.Database.DSN, db.Options{Location: loc})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()

	var value any = raw
	if json.Valid([]byte(raw)) {
		value = json.RawMessage(raw)
	}
	if errSave := settings.Save(ctx, conn, key, value); errSave != nil {
		return errSave
	}
	log.WithFields(log.Fields{
		"key":        key,
		"updated_at": settings.DBConfigUpdatedAt().Format(time.RFC3339),
	}).Info("setting saved")
	return nil
}

// RunServer boots the HTTP API and, when enabled, the in-process scheduler.
// It returns when ctx is cancelled or the listener fails.
func RunServer(ctx context.Context, appCfg config.AppConfig) error {
	cfg, err := loadConfig(appCfg)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	storage, err := openBackend(ctx, cfg, loc)
	if err != nil {
		return err
	}
	defer storage.close()

	if storage.sql != nil {
		if errSettings := settings.RefreshDBConfigSnapshot(ctx, storage.sql); errSettings != nil {
			log.WithError(errSettings).Warn("load runtime settings failed, using defaults")
		}
	}

	m := metrics.New()
	breaker := resilience.NewCircuitBreaker(resilience.BreakerSettings{
		Name:      storageBreakerName,
		Threshold: cfg.Credits.Breaker.Threshold,
		Timeout:   cfg.Credits.Breaker.Timeout,
		OnStateChange: func(name, _, to string) {
			m.SetBreakerState(name, to)
		},
	})
	m.SetBreakerState(storageBreakerName, breaker.State())
	guard := resilience.NewGuard(resilience.RetryPolicy{
		MaxRetries:    cfg.Credits.Retry.MaxRetries,
		BaseDelay:     cfg.Credits.Retry.BaseDelay,
		JitterPercent: cfg.Credits.Retry.JitterPercent,
	}, breaker)

	runs := monitor.NewRunLog(runLogTTL, runLogMaxRuns)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = client.Close() }()
		if errPing := client.Ping(ctx).Err(); errPing != nil {
			log.WithError(errPing).Warn("redis unavailable, run history stays local")
		} else {
			runs.SetMirror(monitor.NewRedisMirror(client, cfg.Redis.Key, cfg.Redis.MaxRuns))
		}
	}

	clock := credits.SystemClock{}
	service := ledger.NewService(storage.ledgers, ledger.Options{Clock: clock, Location: loc, Guard: guard, Metrics: m})
	queue := jobs.NewQueue(storage.jobs, storage.ledgers, jobs.QueueOptions{
		Clock:       clock,
		Location:    loc,
		MaxAttempts: cfg.Credits.Jobs.MaxAttempts,
		BaseBackoff: cfg.Credits.Jobs.BaseBackoff,
		MaxBackoff:  cfg.Credits.Jobs.MaxBackoff,
		Lease:       cfg.Credits.Jobs.Lease,
		Guard:       guard,
	})
	worker := jobs.NewWorker(queue, service, runs, m)
	coordinator := refresh.NewCoordinator(storage.ledgers, service, refresh.Options{
		Clock:        clock,
		Guard:        guard,
		Concurrency:  cfg.Credits.BatchConcurrency,
		MaxBatchSize: cfg.Credits.MaxBatchSize,
		Runs:         runs,
		Metrics:      m,
	})
	summary := monitor.NewService(storage.jobs, runs, monitor.ServiceOptions{
		Clock:    clock,
		Location: loc,
		Breaker:  breaker,
		CacheTTL: monitorCacheTTL,
	})

	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery(), internalhttp.RequestLogMiddleware())
	admin.RegisterRoutes(engine, admin.Deps{
		Ledger:          service,
		Jobs:            queue,
		Batches:         coordinator,
		Worker:          worker,
		Enqueuer:        queue,
		Monitor:         summary,
		Health:          storage.ledgers,
		Metrics:         m.Handler(),
		SchedulerSecret: security.NewSchedulerSecret(cfg.Auth.SchedulerSecret, cfg.Auth.SchedulerSecretHash),
		Verifier:        verifierFor(cfg.Auth.JWTSecret),
	})

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Scheduler.Enabled {
		cleaner := jobs.NewCleaner(storage.jobs, clock, runs)
		cleaner.RetentionDays = cfg.Credits.Jobs.RetentionDays
		sched := scheduler.New(coordinator, queue, worker, cleaner, scheduler.Options{
			Mode:            scheduler.Mode(cfg.Scheduler.Mode),
			Clock:           clock,
			Location:        loc,
			BatchSize:       cfg.Credits.BatchSize,
			WorkerInterval:  cfg.Scheduler.WorkerInterval,
			WorkerRun:       jobs.RunOptions{MaxJobs: cfg.Scheduler.WorkerMaxJobs, ProcessTime: cfg.Scheduler.WorkerTime},
			CleanupInterval: cfg.Scheduler.CleanupInterval,
			ReloadSettings:  settingsReloader(storage.sql),
		})
		sched.Start(groupCtx)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		log.Infof("credit ledger listening on %s (driver=%s)", cfg.Server.Addr, cfg.Database.Driver)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", errServe)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// verifierFor keeps a nil *JWTVerifier out of the interface.
func verifierFor(secret string) security.Verifier {
	if v := security.NewJWTVerifier(secret); v != nil {
		return v
	}
	return nil
}

func settingsReloader(conn *gorm.DB) func(ctx context.Context) error {
	if conn == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return settings.RefreshDBConfigSnapshot(ctx, conn)
	}
}
