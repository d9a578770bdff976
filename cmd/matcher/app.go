package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/config"
	"github.com/tbourn/go-swap-matcher/internal/maintenance"
	"github.com/tbourn/go-swap-matcher/internal/notify"
	"github.com/tbourn/go-swap-matcher/internal/observability"
	"github.com/tbourn/go-swap-matcher/internal/repo"
	"github.com/tbourn/go-swap-matcher/internal/services"
	"github.com/tbourn/go-swap-matcher/internal/worker"
)

// app is the fully wired process: one database handle and the services
// built on it.
type app struct {
	DB          *gorm.DB
	Enqueue     *services.EnqueueService
	Queue       *services.QueueService
	Sender      *services.OutboxSender
	Pool        *worker.Pool
	Maintenance *maintenance.Scheduler

	shutdownOTel func(context.Context) error
}

func openDB(c config.Config) (*gorm.DB, error) {
	db, err := repo.Open(c.DB.Driver, c.DB.Path, c.DB.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", c.DB.Driver, err)
	}
	return db, nil
}

// newApp opens the database, migrates it and builds every service from c.
func newApp(ctx context.Context, c config.Config) (*app, error) {
	shutdown, err := observability.SetupOTel(ctx, c.OTEL, version, c.Maintenance.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}

	db, err := openDB(c)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	if err := repo.AutoMigrate(db); err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{DB: db, shutdownOTel: shutdown}
	a.wire(c)
	return a, nil
}

func (a *app) wire(c config.Config) {
	db := a.DB
	compat := services.Compat{DateTolerance: c.Matching.DateOverlapTolerance}
	ledger := &services.CreditLedger{DB: db, RepurchaseCooldown: c.Matching.RepurchaseCooldown}
	outbox := services.OutboxWriter{MaxAttempts: c.Outbox.MaxAttempts}

	a.Enqueue = &services.EnqueueService{
		DB:          db,
		MaxAttempts: c.Queue.MaxAttempts,
		SweepLimit:  c.Queue.SweepBatchLimit,
		Cooldown:    c.Queue.ReenqueueCooldown,
	}
	a.Queue = &services.QueueService{DB: db}

	var limiter *rate.Limiter
	if c.Outbox.NotifyRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.Outbox.NotifyRPS), 1)
	}
	a.Sender = &services.OutboxSender{
		DB:           db,
		Notifier:     notify.NewLogNotifier(language.English),
		Limiter:      limiter,
		BatchSize:    c.Outbox.BatchSize,
		Lease:        c.Outbox.Lease,
		BaseBackoff:  c.Outbox.BaseBackoff,
		PollInterval: c.Outbox.PollInterval,
	}

	a.Pool = &worker.Pool{
		DB: db,
		Standard: &services.StandardMatcher{
			DB: db, Ledger: ledger, Outbox: outbox, Compat: compat,
			CandidateLimit: c.Matching.CandidateLimit,
		},
		Outbox:      a.Sender,
		WorkerID:    c.Maintenance.InstanceID,
		Concurrency: c.Queue.WorkerConcurrency,
		BatchSize:   c.Queue.ClaimBatchSize,
		IdleBackoff: c.Queue.IdleBackoff,
		LockTTL:     c.Queue.TaskLockTTL,
		Backoff:     c.Queue.Backoff,
	}
	if c.Matching.TriangleEnabled {
		a.Pool.Triangle = &services.TriangleEngine{
			DB: db, Ledger: ledger, Outbox: outbox, Compat: compat,
			CandidateLimit: c.Matching.CandidateLimit,
			BatchSize:      c.Matching.TriangleBatchSize,
			MaxAttempts:    c.Matching.TriangleMaxAttempts,
			MaxBatches:     c.Matching.TriangleMaxBatches,
		}
	}

	a.Maintenance = &maintenance.Scheduler{
		DB:          db,
		Sweeper:     a.Enqueue,
		InstanceID:  c.Maintenance.InstanceID,
		Interval:    c.Maintenance.Interval,
		StepTimeout: c.Maintenance.StepTimeout,
		TaskLockTTL: c.Queue.TaskLockTTL,
		Retention:   c.Queue.Retention,
	}
}

// Close releases the database and flushes pending spans.
func (a *app) Close(ctx context.Context) {
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}
	if a.shutdownOTel != nil {
		if err := a.shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}
}
