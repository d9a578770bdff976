package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/repo"
)

// base is the fixed clock of the suite.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return base }

// Central Paris; every participant lives here and searches a 10 km circle
// around it unless a test says otherwise.
const (
	parisLat = 48.8566
	parisLng = 2.3522
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
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

	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// participant describes one intent. Zero bounds are unbounded; a zero
// ZoneKm means the default 10 km circle.
type participant struct {
	ID      string
	UserID  string
	Credits int
	Out     bool

	Rent  float64
	Type  domain.DwellingType
	Lat   float64
	Lng   float64
	Rooms int

	MinRent, MaxRent float64
	Accepts          []string
	ZoneKm           float64
	NoZone           bool
	From, To         *time.Time

	// Payment credits for the user; defaults to Credits.
	Paid int
}

func seed(t *testing.T, db *gorm.DB, p participant) *domain.Intent {
	t.Helper()
	if p.UserID == "" {
		p.UserID = "u-" + p.ID
	}
	if p.Type == "" {
		p.Type = domain.DwellingApartment
	}
	if p.Lat == 0 && p.Lng == 0 {
		p.Lat, p.Lng = parisLat, parisLng
	}
	if p.Rooms == 0 {
		p.Rooms = 2
	}
	if p.ZoneKm == 0 {
		p.ZoneKm = 10
	}
	if p.Paid == 0 {
		p.Paid = p.Credits
	}

	if err := db.FirstOrCreate(&domain.User{ID: p.UserID, Email: p.UserID + "@example.com", Name: p.UserID}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	var zones []domain.SearchZone
	if !p.NoZone {
		zones = []domain.SearchZone{{ID: "z-" + p.ID, Label: "paris", Lat: parisLat, Lng: parisLng, RadiusKm: p.ZoneKm}}
	}
	in := &domain.Intent{
		ID:                p.ID,
		UserID:            p.UserID,
		RemainingCredits:  p.Credits,
		InFlow:            !p.Out,
		ActivelySearching: true,
		CreatedAt:         base,
		UpdatedAt:         base,
		Dwelling: &domain.Dwelling{
			ID: "d-" + p.ID, Rent: p.Rent, Surface: 50, Rooms: p.Rooms, Type: p.Type, Lat: p.Lat, Lng: p.Lng,
		},
		Criteria: &domain.SearchCriteria{
			ID: "c-" + p.ID, MinRent: p.MinRent, MaxRent: p.MaxRent, Types: p.Accepts,
			AvailableFrom: p.From, AvailableTo: p.To, Zones: zones,
		},
	}
	if err := db.Create(in).Error; err != nil {
		t.Fatalf("seed intent %s: %v", p.ID, err)
	}
	if p.Paid > 0 {
		pay := &domain.Payment{
			ID: "p-" + p.ID, UserID: p.UserID, CreditsInitial: p.Paid, CreatedAt: base.Add(-time.Hour), UpdatedAt: base,
		}
		if err := db.Create(pay).Error; err != nil {
			t.Fatalf("seed payment: %v", err)
		}
	}
	return in
}

func loadIntent(t *testing.T, db *gorm.DB, id string) *domain.Intent {
	t.Helper()
	in, err := repo.GetIntent(context.Background(), db, id)
	if err != nil {
		t.Fatalf("load intent %s: %v", id, err)
	}
	return in
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func newLedger(db *gorm.DB) *CreditLedger {
	return &CreditLedger{DB: db, RepurchaseCooldown: 14 * 24 * time.Hour}
}

func newStandard(db *gorm.DB) *StandardMatcher {
	return &StandardMatcher{
		DB: db, Ledger: newLedger(db), Outbox: OutboxWriter{MaxAttempts: 8},
		CandidateLimit: 200, Now: fixedNow,
	}
}

func newTriangle(db *gorm.DB) *TriangleEngine {
	return &TriangleEngine{
		DB: db, Ledger: newLedger(db), Outbox: OutboxWriter{MaxAttempts: 8},
		CandidateLimit: 200, BatchSize: 50, MaxAttempts: 200, MaxBatches: 10, Now: fixedNow,
	}
}

// sentMail is one call captured by recordingNotifier.
type sentMail struct {
	Email     string
	Name      string
	Count     int
	Remaining int
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (n *recordingNotifier) SendMatchesFound(_ context.Context, email, name string, count, remaining int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMail{email, name, count, remaining})
	return nil
}

func (n *recordingNotifier) calls() []sentMail {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMail(nil), n.sent...)
}

func ptrTime(t time.Time) *time.Time { return &t }
