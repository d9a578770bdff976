package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

// outboxParkHorizon is how far an exhausted outbox row is pushed into the
// future. Parked rows are kept for audit and never claimed again.
const outboxParkHorizon = 100 * 365 * 24 * time.Hour

// maxOutboxBackoff caps the exponential retry delay of outbox rows.
const maxOutboxBackoff = time.Hour

// OutboxDelta is one contribution of a matching commit to a participant's
// pending notification.
type OutboxDelta struct {
	RunID       string
	UserID      string
	IntentID    string
	MatchType   domain.MatchType
	MatchID     string
	MaxAttempts int
}

// openOutboxRow is true for rows no sender has touched yet. Only those may
// take new contributions: a claimed row is being delivered with the delta it
// had when it was read.
const openOutboxRow = "processed_at IS NULL AND locked_by = '' AND attempts = 0"

// UpsertOutboxEntry adds one match to the open (run, user, intent) row,
// creating it on first use or when every earlier row of the key was already
// claimed. It is meant to run inside the matching transaction.
func UpsertOutboxEntry(ctx context.Context, tx *gorm.DB, d OutboxDelta, now time.Time) error {
	key := tx.WithContext(ctx).
		Model(&domain.OutboxEntry{}).
		Where("run_id = ? AND user_id = ? AND intent_id = ?", d.RunID, d.UserID, d.IntentID).
		Session(&gorm.Session{})

	var row domain.OutboxEntry
	err := key.Where(openOutboxRow).Order("seq DESC").Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return err
	default:
		uids := append([]string(nil), row.MatchUIDs...)
		uids = append(uids, d.MatchID)
		// A sender may claim the row between the read and this update; the
		// guard then misses and the match goes into a fresh row.
		res := tx.WithContext(ctx).
			Model(&domain.OutboxEntry{}).
			Where("id = ? AND "+openOutboxRow, row.ID).
			Updates(map[string]any{
				"match_count_delta": gorm.Expr("match_count_delta + 1"),
				"match_uids":        datatypes.JSONSlice[string](uids),
				"updated_at":        now,
			})
		if res.Error != nil || res.RowsAffected == 1 {
			return res.Error
		}
	}

	var seq int
	if err := key.Select("COALESCE(MAX(seq) + 1, 0)").Scan(&seq).Error; err != nil {
		return err
	}
	entry := &domain.OutboxEntry{
		ID:              uuid.NewString(),
		RunID:           d.RunID,
		UserID:          d.UserID,
		IntentID:        d.IntentID,
		Seq:             seq,
		MatchCountDelta: 1,
		MatchType:       d.MatchType,
		MatchUIDs:       []string{d.MatchID},
		MaxAttempts:     d.MaxAttempts,
		AvailableAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// ClaimOutboxEntries leases up to limit due, unprocessed rows for claimToken
// using the same lock-skip protocol as the task queue. A non-empty runID
// restricts the claim to that run. The lease lasts until now+lease, after
// which another sender may claim the rows again.
func ClaimOutboxEntries(ctx context.Context, db *gorm.DB, claimToken, runID string, limit int, lease time.Duration, now time.Time) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	return claimOutbox(ctx, db, claimToken, lease, now, func(q *gorm.DB) *gorm.DB {
		if runID != "" {
			q = q.Where("run_id = ?", runID)
		}
		return q.Order("available_at ASC, created_at ASC, id ASC").Limit(limit)
	})
}

// ClaimOutboxEntriesForUsers leases every remaining due row of the given
// users, without a limit. A sender calls it after a full batch so that a
// user's rows cut by the batch boundary still go out in one notification.
func ClaimOutboxEntriesForUsers(ctx context.Context, db *gorm.DB, claimToken, runID string, userIDs []string, lease time.Duration, now time.Time) ([]domain.OutboxEntry, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return claimOutbox(ctx, db, claimToken, lease, now, func(q *gorm.DB) *gorm.DB {
		if runID != "" {
			q = q.Where("run_id = ?", runID)
		}
		return q.Where("user_id IN ?", userIDs)
	})
}

// claimOutbox selects due rows narrowed by scope, leases them and returns
// the rows now held by claimToken, ordered by user.
func claimOutbox(ctx context.Context, db *gorm.DB, claimToken string, lease time.Duration, now time.Time, scope func(*gorm.DB) *gorm.DB) ([]domain.OutboxEntry, error) {
	var claimed []domain.OutboxEntry
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&domain.OutboxEntry{}).
			Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked}).
			Where("processed_at IS NULL AND available_at <= ?", now)
		var ids []string
		if err := scope(q).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&domain.OutboxEntry{}).
			Where("id IN ? AND processed_at IS NULL AND available_at <= ?", ids, now).
			Updates(map[string]any{
				"locked_by":    claimToken,
				"available_at": now.Add(lease),
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}

		return tx.
			Where("id IN ? AND locked_by = ?", ids, claimToken).
			Order("user_id ASC, created_at ASC, id ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkOutboxProcessed stamps the given rows as delivered, provided the lease
// of claimToken still holds them.
func MarkOutboxProcessed(ctx context.Context, db *gorm.DB, ids []string, claimToken string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Model(&domain.OutboxEntry{}).
		Where("id IN ? AND locked_by = ? AND processed_at IS NULL", ids, claimToken).
		Updates(map[string]any{
			"processed_at": now,
			"locked_by":    "",
			"last_error":   "",
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

// FailOutboxEntries records a failed delivery for each row: attempts are
// incremented and the row is rescheduled with exponential backoff
// (base * 2^(attempts-1), capped at one hour). Rows reaching their max
// attempts are parked far in the future instead. It returns how many rows
// were parked.
func FailOutboxEntries(ctx context.Context, db *gorm.DB, rows []domain.OutboxEntry, claimToken, lastErr string, base time.Duration, now time.Time) (parked int, err error) {
	for _, r := range rows {
		attempts := r.Attempts + 1
		next := now.Add(OutboxBackoff(base, attempts))
		if r.MaxAttempts > 0 && attempts >= r.MaxAttempts {
			next = now.Add(outboxParkHorizon)
			parked++
		}
		if err := db.WithContext(ctx).
			Model(&domain.OutboxEntry{}).
			Where("id = ? AND locked_by = ? AND processed_at IS NULL", r.ID, claimToken).
			Updates(map[string]any{
				"attempts":     attempts,
				"available_at": next,
				"locked_by":    "",
				"last_error":   truncate(lastErr, maxLastErrorLen),
				"updated_at":   now,
			}).Error; err != nil {
			return parked, err
		}
	}
	return parked, nil
}

// OutboxBackoff returns base * 2^(attempts-1), capped at one hour.
func OutboxBackoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 || attempts <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxOutboxBackoff {
			return maxOutboxBackoff
		}
	}
	if d > maxOutboxBackoff {
		return maxOutboxBackoff
	}
	return d
}

// CountPendingOutbox returns unprocessed rows that are due or leased, i.e.
// not parked.
func CountPendingOutbox(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.OutboxEntry{}).
		Where("processed_at IS NULL AND available_at < ?", now.Add(outboxParkHorizon/2)).
		Count(&n).Error
	return n, err
}
