// Package services – TriangleEngine
//
// TriangleEngine looks for 3-party cycles A->B->C->A in the compatibility
// edge table, where an edge X->Y means X's search accepts Y's dwelling. The
// seeker's edges are refreshed before each search; edges between other
// participants come from their own refreshes. Cycles with a direct reverse
// edge (B->A or C->B) are skipped so direct swaps keep their credits.
//
// Work per run is bounded: candidates are read in batches, every attempted
// (B, C) pair is blacklisted for the rest of the run, and the search stops
// after MaxAttempts commits or MaxBatches queries.
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

// TriangleEngine creates 3-party exchanges.
type TriangleEngine struct {
	DB     *gorm.DB
	Ledger *CreditLedger
	Outbox OutboxWriter
	Compat Compat
	Scorer Scorer // defaults to RentProximityScorer

	CandidateLimit int
	BatchSize      int
	MaxAttempts    int
	MaxBatches     int

	Now func() time.Time
}

func (e *TriangleEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *TriangleEngine) scorer() Scorer {
	if e.Scorer != nil {
		return e.Scorer
	}
	return RentProximityScorer{}
}

// RefreshEdges recomputes the seeker's outgoing edges (whose dwelling the
// seeker accepts) and incoming edges (whose search accepts the seeker's
// dwelling). Edges of the seeker that were not confirmed are removed. It
// returns the number of edges written.
func (e *TriangleEngine) RefreshEdges(ctx context.Context, seeker *domain.Intent) (int, error) {
	tr := otel.Tracer("services/TriangleEngine")
	ctx, span := tr.Start(ctx, "RefreshEdges",
		trace.WithAttributes(attribute.String("intent.id", seeker.ID)),
	)
	defer span.End()

	now := e.now()
	sc := e.scorer()
	var edges []domain.CompatibilityEdge

	outIDs, err := repo.FindCandidateIntentIDs(ctx, e.DB, candidateFilter(seeker, e.CandidateLimit))
	if err != nil {
		return 0, err
	}
	outs, err := repo.GetIntents(ctx, e.DB, outIDs)
	if err != nil {
		return 0, err
	}
	for _, id := range outIDs {
		if t := outs[id]; t != nil && e.Compat.Accepts(seeker, t) {
			edges = append(edges, domain.CompatibilityEdge{
				FromIntentID: seeker.ID, ToIntentID: id, Score: sc.Score(seeker, t), RefreshedAt: now,
			})
		}
	}

	inIDs, err := repo.FindReverseCandidateIDs(ctx, e.DB, repo.ReverseFilter{
		SeekerIntentID: seeker.ID,
		SeekerUserID:   seeker.UserID,
		Rent:           seeker.Dwelling.Rent,
		Surface:        seeker.Dwelling.Surface,
		Rooms:          seeker.Dwelling.Rooms,
		Limit:          e.CandidateLimit,
	})
	if err != nil {
		return 0, err
	}
	ins, err := repo.GetIntents(ctx, e.DB, inIDs)
	if err != nil {
		return 0, err
	}
	for _, id := range inIDs {
		if s := ins[id]; s != nil && e.Compat.Accepts(s, seeker) {
			edges = append(edges, domain.CompatibilityEdge{
				FromIntentID: id, ToIntentID: seeker.ID, Score: sc.Score(s, seeker), RefreshedAt: now,
			})
		}
	}

	if err := repo.UpsertEdges(ctx, e.DB, edges); err != nil {
		return 0, err
	}
	if _, err := repo.DeleteStaleEdgesFor(ctx, e.DB, seeker.ID, now); err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("edges.written", len(edges)))
	return len(edges), nil
}

// Run refreshes the seeker's edges and commits triangles through it until
// the seeker runs out of credits or the search bounds are reached.
func (e *TriangleEngine) Run(ctx context.Context, seekerID, runID string) (MatchStats, error) {
	tr := otel.Tracer("services/TriangleEngine")
	ctx, span := tr.Start(ctx, "Run",
		trace.WithAttributes(
			attribute.String("intent.id", seekerID),
			attribute.String("run.id", runID),
		),
	)
	defer span.End()

	var stats MatchStats
	seeker, err := repo.GetIntent(ctx, e.DB, seekerID)
	if errors.Is(err, repo.ErrNotFound) {
		return stats, ErrIntentNotFound
	}
	if err != nil {
		return stats, err
	}
	if !seeker.Eligible() || !complete(seeker) {
		return stats, nil
	}
	if _, err := e.RefreshEdges(ctx, seeker); err != nil {
		return stats, err
	}

	batchSize, maxAttempts, maxBatches := e.bounds()
	lg := log.With().Str("component", "triangle").Str("intent_id", seekerID).Str("run_id", runID).Logger()

	tried := make(map[[2]string]struct{})
	attempts, offset := 0, 0
	for batches := 0; batches < maxBatches && attempts < maxAttempts; batches++ {
		cands, err := repo.FindTriangleCandidates(ctx, e.DB, seekerID, offset, batchSize)
		if err != nil {
			return stats, err
		}
		if len(cands) == 0 {
			break
		}
		stats.Candidates += len(cands)

		committed := false
		for _, c := range cands {
			key := [2]string{c.B, c.C}
			if _, seen := tried[key]; seen {
				continue
			}
			tried[key] = struct{}{}
			attempts++

			err := e.commit(ctx, seekerID, c.B, c.C, runID)
			switch {
			case isRejection(err):
				lg.Debug().Err(err).Str("b", c.B).Str("c", c.C).Msg("triangle rejected at commit")
				stats.reject(algoTriangle, rejectionReason(err))
			case err != nil:
				return stats, err
			default:
				committed = true
				stats.Created++
				observability.MatchesCreated.WithLabelValues(string(domain.MatchTriangle)).Inc()
				lg.Info().Str("b", c.B).Str("c", c.C).Float64("score", c.Score).Msg("triangle match created")
				seeker.RemainingCredits--
			}
			if committed || attempts >= maxAttempts {
				break
			}
		}

		if seeker.RemainingCredits <= 0 {
			break
		}
		if committed {
			// The committed cycle changed eligibility and existing matches.
			offset = 0
			continue
		}
		if len(cands) < batchSize {
			break
		}
		offset += len(cands)
	}

	span.SetAttributes(
		attribute.Int("match.created", stats.Created),
		attribute.Int("triangle.attempts", attempts),
	)
	return stats, nil
}

func (e *TriangleEngine) bounds() (batchSize, maxAttempts, maxBatches int) {
	batchSize, maxAttempts, maxBatches = e.BatchSize, e.MaxAttempts, e.MaxBatches
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 200
	}
	if maxBatches <= 0 {
		maxBatches = 10
	}
	return
}

// commit creates the triangle group a->b->c->a in one transaction after
// re-checking every party on fresh rows.
func (e *TriangleEngine) commit(ctx context.Context, aID, bID, cID, runID string) error {
	now := e.now()
	return e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := repo.GetIntents(ctx, tx, []string{aID, bID, cID})
		if err != nil {
			return err
		}
		a, b, c := fresh[aID], fresh[bID], fresh[cID]
		if !a.Eligible() || !b.Eligible() || !c.Eligible() {
			return ErrNotEligible
		}
		if a.UserID == b.UserID || b.UserID == c.UserID || c.UserID == a.UserID {
			return ErrIncompatible
		}
		if !e.Compat.Accepts(a, b) || !e.Compat.Accepts(b, c) || !e.Compat.Accepts(c, a) {
			return ErrIncompatible
		}
		// b<->a or c<->b would be a direct standard match.
		if e.Compat.Accepts(b, a) || e.Compat.Accepts(c, b) {
			return ErrIncompatible
		}

		for _, pair := range [][2]string{{aID, bID}, {bID, cID}, {cID, aID}} {
			linked, err := repo.PairConnected(ctx, tx, pair[0], pair[1])
			if err != nil {
				return err
			}
			if linked {
				return ErrDuplicateMatch
			}
		}

		for _, p := range []*domain.Intent{a, b, c} {
			if err := e.Ledger.Consume(ctx, tx, p, now); err != nil {
				return err
			}
		}

		group := uuid.NewString()
		rows := []domain.Match{
			newMatch(a, b, domain.MatchTriangle, group, now),
			newMatch(b, c, domain.MatchTriangle, group, now),
			newMatch(c, a, domain.MatchTriangle, group, now),
		}
		if err := repo.CreateMatches(ctx, tx, rows); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrDuplicateMatch
			}
			return err
		}

		for i, p := range []*domain.Intent{a, b, c} {
			if err := e.Outbox.Record(ctx, tx, runID, p, domain.MatchTriangle, rows[i].ID, now); err != nil {
				return err
			}
		}
		return nil
	})
}
