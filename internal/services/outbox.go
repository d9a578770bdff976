// Package services – notification outbox
//
// OutboxWriter stages notifications inside matching transactions. OutboxSender
// drains them: it leases due rows, groups them per participant, sends one
// notification per participant with the summed match count, and marks the
// contributing rows processed only once the send succeeded. A failed send is
// retried with exponential backoff and parked after the last attempt; it
// never touches the matches that produced it.
package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/notify"
	"github.com/tbourn/go-swap-matcher/internal/observability"
	"github.com/tbourn/go-swap-matcher/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OutboxWriter records match contributions in the caller's transaction.
type OutboxWriter struct {
	MaxAttempts int
}

// Record adds one match to the (run, user, intent) outbox row.
func (w OutboxWriter) Record(ctx context.Context, tx *gorm.DB, runID string, in *domain.Intent, typ domain.MatchType, matchID string, now time.Time) error {
	return repo.UpsertOutboxEntry(ctx, tx, repo.OutboxDelta{
		RunID:       runID,
		UserID:      in.UserID,
		IntentID:    in.ID,
		MatchType:   typ,
		MatchID:     matchID,
		MaxAttempts: w.MaxAttempts,
	}, now)
}

// FlushResult summarizes one Flush call.
type FlushResult struct {
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Parked    int `json:"parked"`
}

// OutboxSender delivers staged notifications.
type OutboxSender struct {
	DB       *gorm.DB
	Notifier notify.Notifier
	Limiter  *rate.Limiter // optional

	BatchSize    int
	Lease        time.Duration
	BaseBackoff  time.Duration
	PollInterval time.Duration

	Now func() time.Time
}

func (s *OutboxSender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Flush sends every due notification. A non-empty runID restricts it to the
// rows written by that run.
func (s *OutboxSender) Flush(ctx context.Context, runID string) (FlushResult, error) {
	tr := otel.Tracer("services/OutboxSender")
	ctx, span := tr.Start(ctx, "Flush",
		trace.WithAttributes(attribute.String("run.id", runID)),
	)
	defer span.End()

	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}
	lease := s.Lease
	if lease <= 0 {
		lease = 2 * time.Minute
	}

	var res FlushResult
	token := uuid.NewString()
	for {
		rows, err := repo.ClaimOutboxEntries(ctx, s.DB, token, runID, batch, lease, s.now())
		if err != nil {
			return res, err
		}
		full := len(rows) == batch
		if full {
			// Pull in the rest of each user's rows so nobody gets two mails.
			more, err := repo.ClaimOutboxEntriesForUsers(ctx, s.DB, token, runID, userIDs(rows), lease, s.now())
			if err != nil {
				return res, err
			}
			rows = mergeByUser(rows, more)
		}
		res.Claimed += len(rows)

		failedBefore := res.Failed
		for _, group := range groupByUser(rows) {
			if err := s.deliver(ctx, token, group, &res); err != nil {
				return res, err
			}
		}

		// A failed row may be due again immediately with a zero base backoff;
		// leave it for the next flush.
		if !full || res.Failed > failedBefore {
			break
		}
	}
	span.SetAttributes(attribute.Int("outbox.sent", res.Sent), attribute.Int("outbox.failed", res.Failed))
	return res, nil
}

// deliver sends one aggregated notification for the rows of a single user.
// Only infrastructure errors are returned; send failures are recorded on the
// rows.
func (s *OutboxSender) deliver(ctx context.Context, token string, rows []domain.OutboxEntry, res *FlushResult) error {
	lg := log.With().Str("component", "outbox").Str("user_id", rows[0].UserID).Logger()

	count := 0
	ids := make([]string, 0, len(rows))
	intents := make([]string, 0, len(rows))
	for _, r := range rows {
		count += r.MatchCountDelta
		ids = append(ids, r.ID)
		intents = append(intents, r.IntentID)
	}

	sendErr := s.send(ctx, rows[0].UserID, intents, count)
	if sendErr == nil {
		n, err := repo.MarkOutboxProcessed(ctx, s.DB, ids, token, s.now())
		if err != nil {
			return err
		}
		res.Sent++
		res.Processed += int(n)
		observability.Notifications.WithLabelValues("sent").Inc()
		lg.Debug().Int("count", count).Int("rows", len(rows)).Msg("notification sent")
		return nil
	}
	if ctx.Err() != nil {
		// Leased rows become claimable again once the lease runs out.
		return ctx.Err()
	}

	parked, err := repo.FailOutboxEntries(ctx, s.DB, rows, token, sendErr.Error(), s.BaseBackoff, s.now())
	if err != nil {
		return err
	}
	res.Failed += len(rows)
	res.Parked += parked
	observability.Notifications.WithLabelValues("failed").Inc()
	if parked > 0 {
		observability.Notifications.WithLabelValues("parked").Add(float64(parked))
		lg.Error().Err(sendErr).Int("parked", parked).Msg("notification parked after max attempts")
		return nil
	}
	lg.Warn().Err(sendErr).Msg("notification failed, will retry")
	return nil
}

func (s *OutboxSender) send(ctx context.Context, userID string, intentIDs []string, count int) error {
	if s.Notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	u, err := repo.GetUser(ctx, s.DB, userID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	remaining, err := repo.SumRemainingCredits(ctx, s.DB, intentIDs)
	if err != nil {
		return fmt.Errorf("load credits: %w", err)
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return s.Notifier.SendMatchesFound(ctx, u.Email, u.Name, count, int(remaining))
}

// groupByUser splits rows (ordered by user) into per-user runs.
func groupByUser(rows []domain.OutboxEntry) [][]domain.OutboxEntry {
	var out [][]domain.OutboxEntry
	for i := 0; i < len(rows); {
		j := i + 1
		for j < len(rows) && rows[j].UserID == rows[i].UserID {
			j++
		}
		out = append(out, rows[i:j])
		i = j
	}
	return out
}

func userIDs(rows []domain.OutboxEntry) []string {
	var out []string
	for i, r := range rows {
		if i == 0 || r.UserID != rows[i-1].UserID {
			out = append(out, r.UserID)
		}
	}
	return out
}

// mergeByUser combines two claims, keeping the user ordering groupByUser
// relies on.
func mergeByUser(a, b []domain.OutboxEntry) []domain.OutboxEntry {
	out := append(append(make([]domain.OutboxEntry, 0, len(a)+len(b)), a...), b...)
	slices.SortStableFunc(out, func(x, y domain.OutboxEntry) int {
		if c := strings.Compare(x.UserID, y.UserID); c != 0 {
			return c
		}
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return out
}

// Start flushes the outbox every PollInterval until ctx is done.
func (s *OutboxSender) Start(ctx context.Context) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	lg := log.With().Str("component", "outbox").Logger()
	lg.Info().Dur("interval", interval).Msg("outbox sender started")

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			lg.Info().Msg("outbox sender stopped")
			return nil
		case <-t.C:
			if _, err := s.Flush(ctx, ""); err != nil && ctx.Err() == nil {
				lg.Error().Err(err).Msg("outbox flush failed")
			}
		}
	}
}
