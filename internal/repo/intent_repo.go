package repo

import (
	"context"
	"time"

	"github.com/paulmach/orb"
	"gorm.io/gorm"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

// eligibleIntent is the SQL form of Intent.Eligible for the intents table.
const eligibleIntent = "intents.in_flow = ? AND intents.remaining_credits > 0"

// GetIntent loads one intent with its user, dwelling, criteria and zones.
// Returns ErrNotFound if the intent does not exist.
func GetIntent(ctx context.Context, db *gorm.DB, id string) (*domain.Intent, error) {
	var in domain.Intent
	err := withProfile(db.WithContext(ctx)).
		Where("id = ?", id).
		Take(&in).Error
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// GetIntents loads several intents with their full profile, keyed by id.
// Missing ids are simply absent from the map.
func GetIntents(ctx context.Context, db *gorm.DB, ids []string) (map[string]*domain.Intent, error) {
	out := make(map[string]*domain.Intent, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []domain.Intent
	if err := withProfile(db.WithContext(ctx)).
		Where("id IN ?", ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

func withProfile(db *gorm.DB) *gorm.DB {
	return db.
		Preload("User").
		Preload("Dwelling").
		Preload("Criteria").
		Preload("Criteria.Zones")
}

// LockIntent sets the advisory processing lock of an intent until the given
// instant. Returns ErrNotFound if the intent does not exist.
func LockIntent(ctx context.Context, db *gorm.DB, id string, until time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Intent{}).
		Where("id = ?", id).
		UpdateColumn("processing_locked_until", until)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UnlockIntent clears the processing lock of an intent.
func UnlockIntent(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.Intent{}).
		Where("id = ?", id).
		UpdateColumn("processing_locked_until", nil).Error
}

// MarkIntentProcessed records that a worker completed a task for the intent.
func MarkIntentProcessed(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Intent{}).
		Where("id = ?", id).
		UpdateColumn("last_processed_at", now).Error
}

// ReleaseExpiredIntentLocks clears processing locks whose expiry has passed.
func ReleaseExpiredIntentLocks(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Intent{}).
		Where("processing_locked_until IS NOT NULL AND processing_locked_until <= ?", now).
		UpdateColumn("processing_locked_until", nil)
	return res.RowsAffected, res.Error
}

// CandidateFilter narrows the target intents whose dwelling may satisfy a
// seeker's criteria. Zero upper bounds mean unbounded, an empty Types list
// accepts any type, and Boxes is the union of zone bounding boxes (an empty
// list disables the geographic pre-filter).
type CandidateFilter struct {
	SeekerIntentID string
	SeekerUserID   string

	MinRent, MaxRent       float64
	MinSurface, MaxSurface float64
	MinRooms, MaxRooms     int
	Types                  []string
	Boxes                  []orb.Bound

	Limit int
}

// FindCandidateIntentIDs returns eligible intents whose dwelling passes the
// SQL-expressible part of the seeker's criteria. The seeker itself, other
// intents of the same user, and dwellings the seeker is already matched with
// are excluded. Results are ordered oldest intent first.
func FindCandidateIntentIDs(ctx context.Context, db *gorm.DB, f CandidateFilter) ([]string, error) {
	q := db.WithContext(ctx).
		Model(&domain.Intent{}).
		Joins("JOIN dwellings d ON d.intent_id = intents.id").
		Where(eligibleIntent, true).
		Where("intents.id <> ? AND intents.user_id <> ?", f.SeekerIntentID, f.SeekerUserID).
		Where("d.rent >= ? AND d.surface >= ? AND d.rooms >= ?", f.MinRent, f.MinSurface, f.MinRooms).
		Where("NOT EXISTS (SELECT 1 FROM matches m WHERE m.seeker_intent_id = ? AND m.target_dwelling_id = d.id)", f.SeekerIntentID)

	if f.MaxRent > 0 {
		q = q.Where("d.rent <= ?", f.MaxRent)
	}
	if f.MaxSurface > 0 {
		q = q.Where("d.surface <= ?", f.MaxSurface)
	}
	if f.MaxRooms > 0 {
		q = q.Where("d.rooms <= ?", f.MaxRooms)
	}
	if len(f.Types) > 0 {
		q = q.Where("d.type IN ?", f.Types)
	}
	if len(f.Boxes) > 0 {
		geo := db.Session(&gorm.Session{NewDB: true})
		for i, b := range f.Boxes {
			cond := "d.lat BETWEEN ? AND ? AND d.lng BETWEEN ? AND ?"
			args := []any{b.Min.Lat(), b.Max.Lat(), b.Min.Lon(), b.Max.Lon()}
			if i == 0 {
				geo = geo.Where(cond, args...)
			} else {
				geo = geo.Or(cond, args...)
			}
		}
		q = q.Where(geo)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var ids []string
	err := q.Order("intents.created_at ASC, intents.id ASC").Pluck("intents.id", &ids).Error
	return ids, err
}

// ReverseFilter describes a dwelling; FindReverseCandidateIDs returns
// intents whose numeric bounds accept it.
type ReverseFilter struct {
	SeekerIntentID string
	SeekerUserID   string

	Rent    float64
	Surface float64
	Rooms   int

	Limit int
}

// FindReverseCandidateIDs returns eligible intents whose rent, surface and
// room bounds accept the described dwelling. Type and zone checks are left to
// the caller.
func FindReverseCandidateIDs(ctx context.Context, db *gorm.DB, f ReverseFilter) ([]string, error) {
	q := db.WithContext(ctx).
		Model(&domain.Intent{}).
		Joins("JOIN search_criteria c ON c.intent_id = intents.id").
		Where(eligibleIntent, true).
		Where("intents.id <> ? AND intents.user_id <> ?", f.SeekerIntentID, f.SeekerUserID).
		Where("c.min_rent <= ? AND (c.max_rent = 0 OR c.max_rent >= ?)", f.Rent, f.Rent).
		Where("c.min_surface <= ? AND (c.max_surface = 0 OR c.max_surface >= ?)", f.Surface, f.Surface).
		Where("c.min_rooms <= ? AND (c.max_rooms = 0 OR c.max_rooms >= ?)", f.Rooms, f.Rooms)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var ids []string
	err := q.Order("intents.created_at ASC, intents.id ASC").Pluck("intents.id", &ids).Error
	return ids, err
}

// SweepEligibleIntentIDs selects eligible, unlocked intents that have no
// active task and were not enqueued within cooldown. Intents whose task is
// FAILED are left alone: they only come back through an explicit enqueue.
// Never-processed intents come first, then the longest-waiting ones.
func SweepEligibleIntentIDs(ctx context.Context, db *gorm.DB, now time.Time, cooldown time.Duration, limit int) ([]string, error) {
	q := db.WithContext(ctx).
		Model(&domain.Intent{}).
		Joins("LEFT JOIN tasks t ON t.intent_id = intents.id AND t.type = ?", domain.TaskMatching).
		Where(eligibleIntent, true).
		Where("intents.processing_locked_until IS NULL OR intents.processing_locked_until <= ?", now).
		Where("t.id IS NULL OR (t.status = ? AND t.updated_at < ?)", domain.TaskDone, now.Add(-cooldown)).
		Order("CASE WHEN intents.last_processed_at IS NULL THEN 0 ELSE 1 END").
		Order("intents.last_processed_at ASC").
		Order("intents.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var ids []string
	err := q.Pluck("intents.id", &ids).Error
	return ids, err
}

// GetUser loads a participant. Returns ErrNotFound if it does not exist.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// SumRemainingCredits returns the total remaining credits of the given
// intents.
func SumRemainingCredits(ctx context.Context, db *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total struct{ N int64 }
	err := db.WithContext(ctx).
		Model(&domain.Intent{}).
		Select("COALESCE(SUM(remaining_credits), 0) AS n").
		Where("id IN ?", ids).
		Scan(&total).Error
	return total.N, err
}
