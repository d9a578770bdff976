// Package worker runs the matching task loops of one process.
//
// Each loop claims a batch of due tasks with the lock-skip protocol,
// processes them one by one, and sleeps when the queue is empty. Processing a
// task locks the intent, runs the standard matcher and then the triangle
// engine, completes the task, and flushes the run's notifications in the
// background. Failures go through the retry schedule of the task queue.
//
// Shutdown is cooperative: Stop prevents new claims, and Wait returns once
// every claimed task and pending flush has finished. Tasks never observe the
// cancellation of the context passed to Start.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/observability"
	"github.com/tbourn/go-swap-matcher/internal/repo"
	"github.com/tbourn/go-swap-matcher/internal/services"
)

// Matcher is one matching algorithm run for a seeker.
type Matcher interface {
	Run(ctx context.Context, seekerID, runID string) (services.MatchStats, error)
}

// Flusher delivers the notifications staged by a run.
type Flusher interface {
	Flush(ctx context.Context, runID string) (services.FlushResult, error)
}

// Pool is the set of claim/process loops of one process.
type Pool struct {
	DB       *gorm.DB
	Standard Matcher
	Triangle Matcher // nil disables triangle matching
	Outbox   Flusher // optional

	WorkerID    string
	Concurrency int
	BatchSize   int
	IdleBackoff time.Duration
	LockTTL     time.Duration
	Backoff     []time.Duration

	Now func() time.Time

	stopping atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	group    *errgroup.Group
	flushes  sync.WaitGroup
	initOnce sync.Once
}

func (p *Pool) init() {
	p.initOnce.Do(func() { p.stop = make(chan struct{}) })
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// Start launches Concurrency loops. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.init()
	n := p.Concurrency
	if n <= 0 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < n; i++ {
		loop := i
		g.Go(func() error { return p.loop(gctx, loop) })
	}
	log.Info().Str("component", "worker").Str("worker_id", p.WorkerID).Int("concurrency", n).Msg("worker pool started")
}

// Stop stops new claims. Tasks already claimed still run to completion.
func (p *Pool) Stop() {
	p.init()
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		close(p.stop)
	})
}

// Stopping reports whether Stop was called.
func (p *Pool) Stopping() bool { return p.stopping.Load() }

// Wait blocks until every loop has exited and all background flushes are
// done.
func (p *Pool) Wait() error {
	var err error
	if p.group != nil {
		err = p.group.Wait()
	}
	p.flushes.Wait()
	return err
}

func (p *Pool) loop(ctx context.Context, n int) error {
	workerID := fmt.Sprintf("%s/%d", p.WorkerID, n)
	lg := log.With().Str("component", "worker").Str("worker_id", workerID).Logger()

	for !p.stopping.Load() && ctx.Err() == nil {
		processed, err := p.ProcessBatch(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			lg.Error().Err(err).Msg("claim failed")
		}
		if processed == 0 || err != nil {
			p.sleep(ctx, p.idleBackoff())
		}
	}
	lg.Debug().Msg("worker loop stopped")
	return nil
}

func (p *Pool) idleBackoff() time.Duration {
	if p.IdleBackoff > 0 {
		return p.IdleBackoff
	}
	return time.Second
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	p.init()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-p.stop:
	case <-t.C:
	}
}

// ProcessBatch claims one batch for workerID and processes it. It returns
// the number of claimed tasks; task failures are handled by the retry path
// and not returned.
func (p *Pool) ProcessBatch(ctx context.Context, workerID string) (int, error) {
	batch := p.BatchSize
	if batch <= 0 {
		batch = 50
	}
	runID := uuid.NewString()
	tasks, err := repo.ClaimTasks(ctx, p.DB, workerID, runID, batch, p.now())
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	observability.ClaimedTasks.Add(float64(len(tasks)))

	// Claimed tasks run to completion even if ctx is cancelled.
	tctx := context.WithoutCancel(ctx)
	for _, t := range tasks {
		_ = p.Process(tctx, t, runID)
	}
	return len(tasks), nil
}

// Process runs one claimed task and records its outcome on the task row.
// The intent lock is always released. The returned error is the task
// failure, if any, after it has been routed to the retry path.
func (p *Pool) Process(ctx context.Context, task domain.Task, runID string) error {
	start := time.Now()
	lg := log.With().
		Str("component", "worker").
		Str("task_id", task.ID).
		Str("intent_id", task.IntentID).
		Str("run_id", runID).
		Str("worker_id", task.LockedBy).
		Logger()
	defer func() { observability.TaskDuration.Observe(time.Since(start).Seconds()) }()

	// The claim is re-checked per task: the tail of a slow batch may have
	// been released and handed to another worker.
	if err := repo.TouchTask(ctx, p.DB, task.ID, runID, p.now()); err != nil {
		if errors.Is(err, repo.ErrStaleClaim) {
			observability.TasksProcessed.WithLabelValues("stale").Inc()
			lg.Warn().Msg("task no longer held by this run; skipped")
			return nil
		}
		lg.Error().Err(err).Msg("refresh task claim")
		return err
	}

	err := p.match(ctx, task, runID, &lg)
	if err != nil {
		p.fail(ctx, task, runID, err, &lg)
		return err
	}

	now := p.now()
	if err := repo.CompleteTask(ctx, p.DB, task.ID, runID, now); err != nil {
		if errors.Is(err, repo.ErrStaleClaim) {
			observability.TasksProcessed.WithLabelValues("stale").Inc()
			lg.Warn().Msg("task was released while running; completion skipped")
			return nil
		}
		lg.Error().Err(err).Msg("complete task")
		return err
	}
	if err := repo.MarkIntentProcessed(ctx, p.DB, task.IntentID, now); err != nil {
		lg.Warn().Err(err).Msg("mark intent processed")
	}
	observability.TasksProcessed.WithLabelValues("done").Inc()
	p.flushAsync(ctx, runID, &lg)
	return nil
}

// match holds the intent lock around both algorithms.
func (p *Pool) match(ctx context.Context, task domain.Task, runID string, lg *zerolog.Logger) error {
	ttl := p.LockTTL
	if ttl <= 0 {
		ttl = 11 * time.Minute
	}
	if err := repo.LockIntent(ctx, p.DB, task.IntentID, p.now().Add(ttl)); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return services.ErrIntentNotFound
		}
		return fmt.Errorf("lock intent: %w", err)
	}
	defer func() {
		if err := repo.UnlockIntent(ctx, p.DB, task.IntentID); err != nil {
			lg.Error().Err(err).Msg("unlock intent")
		}
	}()

	std, err := p.Standard.Run(ctx, task.IntentID, runID)
	if err != nil {
		return fmt.Errorf("standard: %w", err)
	}
	ev := lg.Debug().Int("standard_created", std.Created).Int("standard_rejected", std.Rejected)

	// Run returns early once the seeker has no credits left.
	if p.Triangle != nil {
		tri, err := p.Triangle.Run(ctx, task.IntentID, runID)
		if err != nil {
			return fmt.Errorf("triangle: %w", err)
		}
		ev = ev.Int("triangle_created", tri.Created).Int("triangle_rejected", tri.Rejected)
	}
	ev.Msg("task matched")
	return nil
}

func (p *Pool) fail(ctx context.Context, task domain.Task, runID string, cause error, lg *zerolog.Logger) {
	status, err := repo.RetryOrFailTask(ctx, p.DB, task, runID, cause.Error(), p.Backoff, p.now())
	switch {
	case errors.Is(err, repo.ErrStaleClaim):
		observability.TasksProcessed.WithLabelValues("stale").Inc()
		lg.Warn().Err(cause).Msg("task failed after losing its claim")
	case err != nil:
		lg.Error().Err(err).AnErr("cause", cause).Msg("record task failure")
	case status == domain.TaskFailed:
		observability.TasksProcessed.WithLabelValues("failed").Inc()
		lg.Error().Err(cause).Int("attempts", task.Attempts+1).Msg("task failed permanently")
	default:
		observability.TasksProcessed.WithLabelValues("retry").Inc()
		lg.Warn().Err(cause).Int("attempts", task.Attempts+1).Msg("task failed, will retry")
	}
}

func (p *Pool) flushAsync(ctx context.Context, runID string, lg *zerolog.Logger) {
	if p.Outbox == nil {
		return
	}
	p.flushes.Add(1)
	go func() {
		defer p.flushes.Done()
		res, err := p.Outbox.Flush(ctx, runID)
		if err != nil {
			lg.Warn().Err(err).Msg("outbox flush")
			return
		}
		if res.Sent > 0 || res.Failed > 0 {
			lg.Debug().Int("sent", res.Sent).Int("failed", res.Failed).Msg("outbox flushed")
		}
	}()
}
