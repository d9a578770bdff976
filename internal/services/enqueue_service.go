package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EnqueueResult reports what Enqueue did for one intent.
type EnqueueResult string

const (
	EnqueueInserted      EnqueueResult = "inserted"
	EnqueueAlreadyQueued EnqueueResult = "already_queued"
	EnqueueRequeued      EnqueueResult = "requeued"
	EnqueueIneligible    EnqueueResult = "ineligible"
)

// EnqueueService turns intents into matching tasks, either on demand (after a
// purchase or a profile change) or through the periodic sweep.
type EnqueueService struct {
	DB          *gorm.DB
	MaxAttempts int

	// Sweep parameters.
	SweepLimit int
	Cooldown   time.Duration

	Now func() time.Time
}

func (s *EnqueueService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Enqueue makes sure a matching task is queued for the intent. Intents out of
// the flow, without credits, or under a processing lock are not queued and
// yield EnqueueIneligible. A missing intent yields ErrIntentNotFound.
func (s *EnqueueService) Enqueue(ctx context.Context, intentID string) (EnqueueResult, error) {
	tr := otel.Tracer("services/EnqueueService")
	ctx, span := tr.Start(ctx, "Enqueue",
		trace.WithAttributes(attribute.String("intent.id", intentID)),
	)
	defer span.End()

	now := s.now()
	var in domain.Intent
	err := s.DB.WithContext(ctx).Where("id = ?", intentID).Take(&in).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrIntentNotFound
	}
	if err != nil {
		return "", err
	}
	if !in.Eligible() || in.LockedAt(now) {
		return EnqueueIneligible, nil
	}

	out, err := repo.EnqueueTask(ctx, s.DB, intentID, domain.TaskMatching, s.maxAttempts(), now)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("enqueue.result", string(out)))
	return EnqueueResult(out), nil
}

// EnqueueMany enqueues each id in order. Missing intents are reported as
// ineligible so one bad id does not hide the others; the first
// infrastructure error stops the batch.
func (s *EnqueueService) EnqueueMany(ctx context.Context, intentIDs []string) (map[string]EnqueueResult, error) {
	out := make(map[string]EnqueueResult, len(intentIDs))
	for _, id := range intentIDs {
		if _, seen := out[id]; seen {
			continue
		}
		r, err := s.Enqueue(ctx, id)
		if errors.Is(err, ErrIntentNotFound) {
			out[id] = EnqueueIneligible
			continue
		}
		if err != nil {
			return out, err
		}
		out[id] = r
	}
	return out, nil
}

// Sweep enqueues eligible intents that event-driven enqueue missed: no
// active task and nothing queued within Cooldown, longest-waiting first, at
// most SweepLimit of them. It returns how many tasks it inserted or re-queued.
func (s *EnqueueService) Sweep(ctx context.Context) (int, error) {
	tr := otel.Tracer("services/EnqueueService")
	ctx, span := tr.Start(ctx, "Sweep")
	defer span.End()

	now := s.now()
	ids, err := repo.SweepEligibleIntentIDs(ctx, s.DB, now, s.Cooldown, s.SweepLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		out, err := repo.EnqueueTask(ctx, s.DB, id, domain.TaskMatching, s.maxAttempts(), now)
		if err != nil {
			return n, err
		}
		if out != repo.EnqueueAlreadyQueued {
			n++
		}
	}
	span.SetAttributes(attribute.Int("sweep.selected", len(ids)), attribute.Int("sweep.enqueued", n))
	if n > 0 {
		log.Debug().Str("component", "enqueue").Int("enqueued", n).Msg("sweep enqueued intents")
	}
	return n, nil
}

func (s *EnqueueService) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 5
}
