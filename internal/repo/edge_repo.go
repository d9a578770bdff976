package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

// UpsertEdges writes edges keyed by (from, to), overwriting the score and
// refresh time of existing rows.
func UpsertEdges(ctx context.Context, db *gorm.DB, edges []domain.CompatibilityEdge) error {
	if len(edges) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "from_intent_id"}, {Name: "to_intent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"score", "refreshed_at"}),
		}).
		Create(&edges).Error
}

// DeleteStaleEdgesFor removes edges touching intentID (in either direction)
// that were not refreshed at or after since.
func DeleteStaleEdgesFor(ctx context.Context, db *gorm.DB, intentID string, since time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("(from_intent_id = ? OR to_intent_id = ?) AND refreshed_at < ?", intentID, intentID, since).
		Delete(&domain.CompatibilityEdge{})
	return res.RowsAffected, res.Error
}

// PurgeStaleEdges deletes edges whose endpoint intent is missing or no
// longer eligible.
func PurgeStaleEdges(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).
		Where(`NOT EXISTS (SELECT 1 FROM intents i WHERE i.id = compatibility_edges.from_intent_id AND i.in_flow = ? AND i.remaining_credits > 0)
		    OR NOT EXISTS (SELECT 1 FROM intents i WHERE i.id = compatibility_edges.to_intent_id AND i.in_flow = ? AND i.remaining_credits > 0)`, true, true).
		Delete(&domain.CompatibilityEdge{})
	return res.RowsAffected, res.Error
}

// TriangleCandidate is one cycle A->B->C->A found in the edge table, where A
// is the seeker.
type TriangleCandidate struct {
	B     string
	C     string
	Score float64
}

// triangleSQL joins A->B, B->C, C->A. The reverse edges B->A and C->B must be
// absent, B and C must be eligible, and no match may already link any pair.
const triangleSQL = `
SELECT e1.to_intent_id AS b,
       e2.to_intent_id AS c,
       e1.score + e2.score + e3.score AS score
  FROM compatibility_edges e1
  JOIN compatibility_edges e2 ON e2.from_intent_id = e1.to_intent_id
  JOIN compatibility_edges e3 ON e3.from_intent_id = e2.to_intent_id AND e3.to_intent_id = e1.from_intent_id
  JOIN intents ib ON ib.id = e1.to_intent_id
  JOIN intents ic ON ic.id = e2.to_intent_id
 WHERE e1.from_intent_id = @a
   AND e2.to_intent_id <> @a
   AND ib.in_flow = @on AND ib.remaining_credits > 0
   AND ic.in_flow = @on AND ic.remaining_credits > 0
   AND ib.user_id <> ic.user_id
   AND NOT EXISTS (SELECT 1 FROM compatibility_edges r
                    WHERE r.from_intent_id = e1.to_intent_id AND r.to_intent_id = @a)
   AND NOT EXISTS (SELECT 1 FROM compatibility_edges r
                    WHERE r.from_intent_id = e2.to_intent_id AND r.to_intent_id = e1.to_intent_id)
   AND NOT EXISTS (SELECT 1 FROM matches m
                    WHERE (m.seeker_intent_id = @a AND m.target_intent_id IN (e1.to_intent_id, e2.to_intent_id))
                       OR (m.target_intent_id = @a AND m.seeker_intent_id IN (e1.to_intent_id, e2.to_intent_id))
                       OR (m.seeker_intent_id = e1.to_intent_id AND m.target_intent_id = e2.to_intent_id)
                       OR (m.seeker_intent_id = e2.to_intent_id AND m.target_intent_id = e1.to_intent_id))
 ORDER BY score DESC, b ASC, c ASC
 LIMIT @limit OFFSET @offset`

// FindTriangleCandidates returns one batch of 3-cycles through seekerID,
// best summed score first.
func FindTriangleCandidates(ctx context.Context, db *gorm.DB, seekerID string, offset, limit int) ([]TriangleCandidate, error) {
	var out []TriangleCandidate
	err := db.WithContext(ctx).Raw(triangleSQL, map[string]any{
		"a":      seekerID,
		"on":     true,
		"limit":  limit,
		"offset": offset,
	}).Scan(&out).Error
	return out, err
}

// EdgesFrom returns the outgoing edges of an intent.
func EdgesFrom(ctx context.Context, db *gorm.DB, intentID string) ([]domain.CompatibilityEdge, error) {
	var out []domain.CompatibilityEdge
	err := db.WithContext(ctx).
		Where("from_intent_id = ?", intentID).
		Order("to_intent_id ASC").
		Find(&out).Error
	return out, err
}

// EdgesTo returns the incoming edges of an intent.
func EdgesTo(ctx context.Context, db *gorm.DB, intentID string) ([]domain.CompatibilityEdge, error) {
	var out []domain.CompatibilityEdge
	err := db.WithContext(ctx).
		Where("to_intent_id = ?", intentID).
		Order("from_intent_id ASC").
		Find(&out).Error
	return out, err
}
