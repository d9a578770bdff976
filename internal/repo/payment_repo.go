package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

// drawRetries bounds how often DrawOldestCredit re-reads the ledger after
// losing a race on the conditional increment.
const drawRetries = 3

const paymentAvailable = "credits_initial - credits_used - credits_refunded > 0"

// DrawOldestCredit consumes one credit from the user's oldest payment that
// still has capacity and returns that payment's id. It must run inside the
// matching transaction. ErrNoCreditSource means every payment is exhausted.
func DrawOldestCredit(ctx context.Context, tx *gorm.DB, userID string, now time.Time) (string, error) {
	for i := 0; i < drawRetries; i++ {
		var p domain.Payment
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
			Where("user_id = ? AND "+paymentAvailable, userID).
			Order("created_at ASC, id ASC").
			Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoCreditSource
		}
		if err != nil {
			return "", err
		}

		res := tx.WithContext(ctx).
			Model(&domain.Payment{}).
			Where("id = ? AND "+paymentAvailable, p.ID).
			Updates(map[string]any{
				"credits_used": gorm.Expr("credits_used + 1"),
				"updated_at":   now,
			})
		if res.Error != nil {
			return "", res.Error
		}
		if res.RowsAffected == 1 {
			return p.ID, nil
		}
	}
	return "", ErrNoCreditSource
}

// DebitIntentCredit decrements the intent's remaining credits by one and
// takes it out of the flow in the same statement when the counter reaches
// zero. ErrNoCredit means the counter was already zero.
func DebitIntentCredit(ctx context.Context, tx *gorm.DB, intentID string, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE intents
		    SET remaining_credits = remaining_credits - 1,
		        in_flow = CASE WHEN remaining_credits - 1 <= 0 THEN ? ELSE in_flow END,
		        updated_at = ?
		  WHERE id = ? AND remaining_credits > 0`,
		false, now, intentID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoCredit
	}
	return nil
}

// AvailableCredits sums the undrawn credits across a user's payments.
func AvailableCredits(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total struct{ N int64 }
	err := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Select("COALESCE(SUM(credits_initial - credits_used - credits_refunded), 0) AS n").
		Where("user_id = ?", userID).
		Scan(&total).Error
	return total.N, err
}

// LatestRefund returns the most recent refund time of a user, or nil.
func LatestRefund(ctx context.Context, db *gorm.DB, userID string) (*time.Time, error) {
	var row struct {
		RefundedAt time.Time
	}
	res := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Select("refunded_at").
		Where("user_id = ? AND refunded_at IS NOT NULL", userID).
		Order("refunded_at DESC").
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row.RefundedAt, nil
}
