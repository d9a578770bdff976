package repo

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

// base is a fixed instant so every comparison in the suite is deterministic.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newRepoDB opens a private in-memory database with the full schema.
func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db.Exec("PRAGMA foreign_keys=ON;")
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// intentFixture describes one participant for seedIntent. Zero criteria
// bounds mean unbounded.
type intentFixture struct {
	ID      string
	UserID  string
	Credits int
	Out     bool // out of flow

	Rent    float64
	Surface float64
	Rooms   int
	Type    domain.DwellingType
	Lat     float64
	Lng     float64

	MinRent, MaxRent float64
	Types            []string
	ZoneLat, ZoneLng float64
	ZoneKm           float64

	CreatedAt time.Time
}

func seedIntent(t *testing.T, db *gorm.DB, f intentFixture) *domain.Intent {
	t.Helper()
	if f.UserID == "" {
		f.UserID = "u-" + f.ID
	}
	if f.Type == "" {
		f.Type = domain.DwellingApartment
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = base
	}
	if err := db.FirstOrCreate(&domain.User{ID: f.UserID, Email: f.UserID + "@example.com", Name: f.UserID}).Error; err != nil {
		t.Fatalf("seed user %s: %v", f.UserID, err)
	}

	in := &domain.Intent{
		ID:                f.ID,
		UserID:            f.UserID,
		RemainingCredits:  f.Credits,
		InFlow:            !f.Out,
		ActivelySearching: true,
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.CreatedAt,
		Dwelling: &domain.Dwelling{
			ID: "d-" + f.ID, Rent: f.Rent, Surface: f.Surface, Rooms: f.Rooms, Type: f.Type,
			Lat: f.Lat, Lng: f.Lng,
		},
		Criteria: &domain.SearchCriteria{
			ID: "c-" + f.ID, MinRent: f.MinRent, MaxRent: f.MaxRent, Types: f.Types,
			Zones: []domain.SearchZone{{ID: "z-" + f.ID, Label: "zone", Lat: f.ZoneLat, Lng: f.ZoneLng, RadiusKm: f.ZoneKm}},
		},
	}
	if err := db.Create(in).Error; err != nil {
		t.Fatalf("seed intent %s: %v", f.ID, err)
	}
	return in
}

func seedTask(t *testing.T, db *gorm.DB, id, intentID string, status domain.TaskStatus, createdAt time.Time) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID: id, IntentID: intentID, Type: domain.TaskMatching, Status: status,
		MaxAttempts: 5, AvailableAt: createdAt, CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
	return task
}

func seedPayment(t *testing.T, db *gorm.DB, id, userID string, initial, used, refunded int, createdAt time.Time) {
	t.Helper()
	p := &domain.Payment{
		ID: id, UserID: userID, CreditsInitial: initial, CreditsUsed: used, CreditsRefunded: refunded,
		CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed payment %s: %v", id, err)
	}
}

func loadIntent(t *testing.T, db *gorm.DB, id string) domain.Intent {
	t.Helper()
	var in domain.Intent
	if err := db.First(&in, "id = ?", id).Error; err != nil {
		t.Fatalf("load intent %s: %v", id, err)
	}
	return in
}

func loadTask(t *testing.T, db *gorm.DB, id string) domain.Task {
	t.Helper()
	var task domain.Task
	if err := db.First(&task, "id = ?", id).Error; err != nil {
		t.Fatalf("load task %s: %v", id, err)
	}
	return task
}
