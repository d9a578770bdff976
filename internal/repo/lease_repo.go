package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

// TryAcquireLease takes or renews the named lease for holder until now+ttl.
// It succeeds when the lease is unheld, expired, or already held by holder.
func TryAcquireLease(ctx context.Context, db *gorm.DB, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	// Make sure the row exists; an expired placeholder is immediately takeable.
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.SchedulerLease{Name: name, Holder: "", ExpiresAt: time.Unix(0, 0).UTC(), UpdatedAt: now}).Error; err != nil {
		return false, err
	}

	res := db.WithContext(ctx).
		Model(&domain.SchedulerLease{}).
		Where("name = ? AND (holder = ? OR expires_at < ?)", name, holder, now).
		Updates(map[string]any{
			"holder":     holder,
			"expires_at": now.Add(ttl),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLease gives the lease up if holder still owns it.
func ReleaseLease(ctx context.Context, db *gorm.DB, name, holder string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.SchedulerLease{}).
		Where("name = ? AND holder = ?", name, holder).
		Updates(map[string]any{
			"holder":     "",
			"expires_at": now,
			"updated_at": now,
		}).Error
}

// GetLease returns the current state of the named lease.
func GetLease(ctx context.Context, db *gorm.DB, name string) (*domain.SchedulerLease, error) {
	var l domain.SchedulerLease
	if err := db.WithContext(ctx).Where("name = ?", name).Take(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}
