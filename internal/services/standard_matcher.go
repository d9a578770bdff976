// Package services – StandardMatcher
//
// StandardMatcher pairs one seeker with other participants whose homes they
// can swap directly. Candidates come from a single pre-filtered query; each
// one goes through the reciprocal compatibility check and, on success, a
// commit transaction that re-reads both parties, refuses duplicates, charges
// one credit each, writes the two match rows of the group, and stages one
// notification per participant.
//
// Observability: Run is OpenTelemetry-instrumented; rejections and created
// groups are counted in Prometheus.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/observability"
	"github.com/tbourn/go-swap-matcher/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	algoStandard = "standard"
	algoTriangle = "triangle"
)

// MatchStats summarizes one algorithm run for a seeker.
type MatchStats struct {
	Candidates int            `json:"candidates"`
	Created    int            `json:"created"`
	Rejected   int            `json:"rejected"`
	Reasons    map[string]int `json:"reasons,omitempty"`
}

func (s *MatchStats) reject(algorithm, reason string) {
	s.Rejected++
	if s.Reasons == nil {
		s.Reasons = map[string]int{}
	}
	s.Reasons[reason]++
	observability.CandidateRejections.WithLabelValues(algorithm, reason).Inc()
}

// StandardMatcher creates 2-party exchanges.
type StandardMatcher struct {
	DB     *gorm.DB
	Ledger *CreditLedger
	Outbox OutboxWriter
	Compat Compat

	CandidateLimit int

	Now func() time.Time
}

func (m *StandardMatcher) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// Run matches seekerID against its candidates, first fit, until the seeker
// runs out of credits or candidates. Domain rejections only skip the
// candidate; any other error is returned and fails the task.
func (m *StandardMatcher) Run(ctx context.Context, seekerID, runID string) (MatchStats, error) {
	tr := otel.Tracer("services/StandardMatcher")
	ctx, span := tr.Start(ctx, "Run",
		trace.WithAttributes(
			attribute.String("intent.id", seekerID),
			attribute.String("run.id", runID),
		),
	)
	defer span.End()

	var stats MatchStats
	seeker, err := repo.GetIntent(ctx, m.DB, seekerID)
	if errors.Is(err, repo.ErrNotFound) {
		return stats, ErrIntentNotFound
	}
	if err != nil {
		return stats, err
	}
	if !seeker.Eligible() || !complete(seeker) {
		return stats, nil
	}

	ids, err := repo.FindCandidateIntentIDs(ctx, m.DB, candidateFilter(seeker, m.CandidateLimit))
	if err != nil {
		return stats, err
	}
	targets, err := repo.GetIntents(ctx, m.DB, ids)
	if err != nil {
		return stats, err
	}
	stats.Candidates = len(ids)

	lg := log.With().Str("component", "standard").Str("intent_id", seekerID).Str("run_id", runID).Logger()
	for _, id := range ids {
		target := targets[id]
		if target == nil {
			continue
		}
		if ok, reason := m.Compat.Reciprocal(seeker, target); !ok {
			stats.reject(algoStandard, reason)
			continue
		}

		err := m.commit(ctx, seeker, target, runID)
		if isRejection(err) {
			lg.Debug().Err(err).Str("target_id", id).Msg("candidate rejected at commit")
			stats.reject(algoStandard, rejectionReason(err))
			continue
		}
		if err != nil {
			return stats, err
		}

		stats.Created++
		observability.MatchesCreated.WithLabelValues(string(domain.MatchStandard)).Inc()
		lg.Info().Str("target_id", id).Msg("standard match created")

		seeker.RemainingCredits--
		if seeker.RemainingCredits <= 0 {
			seeker.InFlow = false
			break
		}
	}

	span.SetAttributes(attribute.Int("match.created", stats.Created), attribute.Int("match.rejected", stats.Rejected))
	return stats, nil
}

// commit creates the match group for seeker and target in one transaction.
func (m *StandardMatcher) commit(ctx context.Context, seeker, target *domain.Intent, runID string) error {
	now := m.now()
	return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := repo.GetIntents(ctx, tx, []string{seeker.ID, target.ID})
		if err != nil {
			return err
		}
		a, b := fresh[seeker.ID], fresh[target.ID]
		if !a.Eligible() || !b.Eligible() {
			return ErrNotEligible
		}
		if ok, _ := m.Compat.Reciprocal(a, b); !ok {
			return ErrIncompatible
		}

		for _, pair := range [][2]*domain.Intent{{a, b}, {b, a}} {
			dup, err := repo.MatchExists(ctx, tx, pair[0].ID, pair[1].Dwelling.ID)
			if err != nil {
				return err
			}
			if dup {
				return ErrDuplicateMatch
			}
		}

		for _, p := range []*domain.Intent{a, b} {
			if err := m.Ledger.Consume(ctx, tx, p, now); err != nil {
				return err
			}
		}

		group := uuid.NewString()
		rows := []domain.Match{
			newMatch(a, b, domain.MatchStandard, group, now),
			newMatch(b, a, domain.MatchStandard, group, now),
		}
		if err := repo.CreateMatches(ctx, tx, rows); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrDuplicateMatch
			}
			return err
		}

		if err := m.Outbox.Record(ctx, tx, runID, a, domain.MatchStandard, rows[0].ID, now); err != nil {
			return err
		}
		return m.Outbox.Record(ctx, tx, runID, b, domain.MatchStandard, rows[1].ID, now)
	})
}

// newMatch builds the row "seeker takes target's dwelling".
func newMatch(seeker, target *domain.Intent, typ domain.MatchType, group string, now time.Time) domain.Match {
	return domain.Match{
		ID:               uuid.NewString(),
		SeekerIntentID:   seeker.ID,
		TargetDwellingID: target.Dwelling.ID,
		TargetIntentID:   target.ID,
		Status:           domain.MatchNew,
		Type:             typ,
		GroupID:          group,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// rejectionReason labels a commit-time rejection for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNotEligible):
		return "commit_ineligible"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrDuplicateMatch):
		return "duplicate"
	case errors.Is(err, ErrIncompatible):
		return "commit_incompatible"
	}
	return "other"
}
