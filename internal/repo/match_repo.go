package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

// MatchExists reports whether seekerIntentID already points at the dwelling.
func MatchExists(ctx context.Context, db *gorm.DB, seekerIntentID, dwellingID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Match{}).
		Where("seeker_intent_id = ? AND target_dwelling_id = ?", seekerIntentID, dwellingID).
		Count(&n).Error
	return n > 0, err
}

// PairConnected reports whether any match links the two intents, in either
// direction.
func PairConnected(ctx context.Context, db *gorm.DB, a, b string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Match{}).
		Where("(seeker_intent_id = ? AND target_intent_id = ?) OR (seeker_intent_id = ? AND target_intent_id = ?)", a, b, b, a).
		Count(&n).Error
	return n > 0, err
}

// CreateMatches inserts the rows of one exchange group in a single
// statement. A unique violation on (seeker, dwelling) maps to ErrDuplicate.
func CreateMatches(ctx context.Context, tx *gorm.DB, rows []domain.Match) error {
	if len(rows) == 0 {
		return nil
	}
	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ListMatchesByGroup returns the rows of one exchange group ordered by seeker.
func ListMatchesByGroup(ctx context.Context, db *gorm.DB, groupID string) ([]domain.Match, error) {
	var out []domain.Match
	err := db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("seeker_intent_id ASC").
		Find(&out).Error
	return out, err
}

// CountMatchesByType returns how many match rows of the given type exist.
func CountMatchesByType(ctx context.Context, db *gorm.DB, typ domain.MatchType) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Match{}).Where("type = ?", typ).Count(&n).Error
	return n, err
}
