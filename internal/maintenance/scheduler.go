// Package maintenance keeps the task queue healthy. One instance at a time,
// elected through a lease row, runs a fixed list of independent steps on an
// interval:
//
//  1. release_stale_tasks   RUNNING tasks locked longer than the task TTL go
//     back to PENDING with their attempt count unchanged
//  2. release_intent_locks  expired intent processing locks are cleared
//  3. sweep                 eligible intents missed by event-driven enqueue
//     are queued
//  4. prune_tasks           DONE and FAILED tasks past retention are deleted
//  5. purge_edges           compatibility edges touching ineligible intents
//     are deleted
//
// Each step races a per-step timeout. A failed or timed out step is logged
// and the next one still runs.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/observability"
	"github.com/tbourn/go-swap-matcher/internal/repo"
)

// LeaseName is the scheduler_leases row used for leader election.
const LeaseName = "maintenance"

var (
	// ErrAlreadyRunning is returned by RunOnce while another run of the same
	// scheduler is in progress.
	ErrAlreadyRunning = errors.New("maintenance already running")

	// ErrNotLeader is returned by RunOnce when another instance holds the
	// lease.
	ErrNotLeader = errors.New("maintenance lease held by another instance")
)

// Sweeper enqueues eligible intents missed by event-driven enqueue.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// StepReport is the outcome of one step.
type StepReport struct {
	Name     string        `json:"name"`
	Affected int64         `json:"affected"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Report is the outcome of one run.
type Report struct {
	Instance   string       `json:"instance"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []StepReport `json:"steps"`
}

// Failed returns the names of the steps that errored or timed out.
func (r Report) Failed() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Error != "" {
			out = append(out, s.Name)
		}
	}
	return out
}

// Scheduler runs maintenance. The zero value is not usable; DB and Sweeper
// are required.
type Scheduler struct {
	DB      *gorm.DB
	Sweeper Sweeper

	InstanceID  string
	Interval    time.Duration
	StepTimeout time.Duration
	TaskLockTTL time.Duration
	Retention   time.Duration

	Now func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	last    *Report
}

type step struct {
	name string
	fn   func(ctx context.Context, now time.Time) (int64, error)
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// IsRunning reports whether a run is in progress.
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// LastReport returns the report of the last completed run.
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

func (s *Scheduler) steps() []step {
	return []step{
		{"release_stale_tasks", func(ctx context.Context, now time.Time) (int64, error) {
			return repo.ReleaseStaleTasks(ctx, s.DB, s.TaskLockTTL, now)
		}},
		{"release_intent_locks", func(ctx context.Context, now time.Time) (int64, error) {
			return repo.ReleaseExpiredIntentLocks(ctx, s.DB, now)
		}},
		{"sweep", func(ctx context.Context, _ time.Time) (int64, error) {
			n, err := s.Sweeper.Sweep(ctx)
			return int64(n), err
		}},
		{"prune_tasks", func(ctx context.Context, now time.Time) (int64, error) {
			return repo.PruneTasks(ctx, s.DB, s.Retention, now)
		}},
		{"purge_edges", func(ctx context.Context, _ time.Time) (int64, error) {
			return repo.PurgeStaleEdges(ctx, s.DB)
		}},
	}
}

// RunOnce performs one maintenance run. It is also the manual trigger.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	lg := log.With().Str("component", "maintenance").Str("instance", s.InstanceID).Logger()

	ok, err := repo.TryAcquireLease(ctx, s.DB, LeaseName, s.InstanceID, s.leaseTTL(), s.now())
	if err != nil {
		return Report{}, err
	}
	if !ok {
		lg.Debug().Msg("lease held elsewhere; skipping run")
		return Report{}, ErrNotLeader
	}

	rep := Report{Instance: s.InstanceID, StartedAt: s.now()}
	for _, st := range s.steps() {
		sr := s.runStep(ctx, st)
		rep.Steps = append(rep.Steps, sr)

		ev := lg.Debug()
		if sr.Error != "" {
			ev = lg.Error().Str("error", sr.Error).Bool("timed_out", sr.TimedOut)
		}
		ev.Str("step", sr.Name).Int64("affected", sr.Affected).Dur("took", sr.Duration).Msg("maintenance step")
	}
	rep.FinishedAt = s.now()
	s.refreshQueueDepth(ctx)

	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	return rep, nil
}

type stepResult struct {
	n   int64
	err error
}

// runStep races the step against StepTimeout. A step that ignores its
// context is abandoned once the timer fires.
func (s *Scheduler) runStep(ctx context.Context, st step) StepReport {
	timeout := s.StepTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan stepResult, 1)
	go func() {
		n, err := st.fn(sctx, s.now())
		done <- stepResult{n, err}
	}()

	rep := StepReport{Name: st.name}
	outcome := "ok"
	select {
	case r := <-done:
		rep.Affected = r.n
		if r.err != nil {
			rep.Error = r.err.Error()
			outcome = "error"
		}
	case <-sctx.Done():
		rep.TimedOut = errors.Is(sctx.Err(), context.DeadlineExceeded)
		rep.Error = sctx.Err().Error()
		outcome = "timeout"
	}
	rep.Duration = time.Since(start)
	observability.MaintenanceStepDuration.WithLabelValues(st.name, outcome).Observe(rep.Duration.Seconds())
	return rep
}

func (s *Scheduler) refreshQueueDepth(ctx context.Context) {
	stats, err := repo.GetQueueStats(ctx, s.DB, s.now())
	if err != nil {
		return
	}
	for _, st := range []domain.TaskStatus{domain.TaskPending, domain.TaskRunning, domain.TaskDone, domain.TaskFailed} {
		observability.QueueDepth.WithLabelValues(string(st)).Set(float64(stats.ByStatus[st]))
	}
}

func (s *Scheduler) leaseTTL() time.Duration {
	if s.Interval > 0 {
		return 2 * s.Interval
	}
	return 2 * time.Minute
}

// Start runs maintenance every Interval until ctx is done, then releases
// the lease.
func (s *Scheduler) Start(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	lg := log.With().Str("component", "maintenance").Str("instance", s.InstanceID).Logger()
	lg.Info().Dur("interval", interval).Msg("maintenance scheduler started")

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := repo.ReleaseLease(context.WithoutCancel(ctx), s.DB, LeaseName, s.InstanceID, s.now()); err != nil {
				lg.Warn().Err(err).Msg("release lease")
			}
			lg.Info().Msg("maintenance scheduler stopped")
			return nil
		case <-t.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrNotLeader) && !errors.Is(err, ErrAlreadyRunning) && ctx.Err() == nil {
				lg.Error().Err(err).Msg("maintenance run failed")
			}
		}
	}
}
