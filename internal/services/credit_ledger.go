// Package services – CreditLedger
//
// CreditLedger consumes match credits. Every participant of a committed match
// pays exactly one credit: one unit is drawn from the oldest purchase record
// that still has capacity (FIFO) and the intent's remaining-credit counter is
// decremented in the same transaction. The counter never goes below zero and
// the intent leaves the matching flow in the statement that empties it.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CreditLedger draws and debits credits. Draw, Debit and Consume must run
// inside the caller's transaction.
type CreditLedger struct {
	DB *gorm.DB

	// RepurchaseCooldown is the minimum delay between a refund and the next
	// purchase by the same user.
	RepurchaseCooldown time.Duration
}

// Draw consumes one credit from the user's oldest payment with capacity and
// returns its id.
func (l *CreditLedger) Draw(ctx context.Context, tx *gorm.DB, userID string, now time.Time) (string, error) {
	id, err := repo.DrawOldestCredit(ctx, tx, userID, now)
	if errors.Is(err, repo.ErrNoCreditSource) {
		return "", fmt.Errorf("user %s: %w", userID, ErrCreditSourceExhausted)
	}
	return id, err
}

// Debit decrements the intent's remaining credits.
func (l *CreditLedger) Debit(ctx context.Context, tx *gorm.DB, intentID string, now time.Time) error {
	err := repo.DebitIntentCredit(ctx, tx, intentID, now)
	if errors.Is(err, repo.ErrNoCredit) {
		return fmt.Errorf("intent %s: %w", intentID, ErrInsufficientCredits)
	}
	return err
}

// Consume charges one participant of a match: debit the intent counter, then
// draw the backing credit.
func (l *CreditLedger) Consume(ctx context.Context, tx *gorm.DB, in *domain.Intent, now time.Time) error {
	if err := l.Debit(ctx, tx, in.ID, now); err != nil {
		return err
	}
	_, err := l.Draw(ctx, tx, in.UserID, now)
	return err
}

// CheckRefundable refuses refunds while a worker holds the intent's
// processing lock.
func (l *CreditLedger) CheckRefundable(ctx context.Context, intentID string, now time.Time) error {
	tr := otel.Tracer("services/CreditLedger")
	ctx, span := tr.Start(ctx, "CheckRefundable",
		trace.WithAttributes(attribute.String("intent.id", intentID)),
	)
	defer span.End()

	in, err := repo.GetIntent(ctx, l.DB, intentID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrIntentNotFound
	}
	if err != nil {
		return err
	}
	if in.LockedAt(now) {
		return ErrIntentProcessing
	}
	return nil
}

// RepurchaseAllowed returns ErrRepurchaseCooldown, together with the instant
// purchases open again, while the user's latest refund is more recent than
// RepurchaseCooldown.
func (l *CreditLedger) RepurchaseAllowed(ctx context.Context, userID string, now time.Time) (time.Time, error) {
	tr := otel.Tracer("services/CreditLedger")
	ctx, span := tr.Start(ctx, "RepurchaseAllowed",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	last, err := repo.LatestRefund(ctx, l.DB, userID)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil || l.RepurchaseCooldown <= 0 {
		return time.Time{}, nil
	}
	opens := last.Add(l.RepurchaseCooldown)
	if now.Before(opens) {
		return opens, ErrRepurchaseCooldown
	}
	return time.Time{}, nil
}
