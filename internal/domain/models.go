// Package domain defines the persistence models for participants, their
// matching intents, offered dwellings, search criteria, and the matches
// produced between them. These types are mapped with GORM and form the core
// data layer of the matching service.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// DwellingType enumerates the kinds of homes that can be offered.
type DwellingType string

const (
	DwellingApartment DwellingType = "APARTMENT"
	DwellingHouse     DwellingType = "HOUSE"
	DwellingStudio    DwellingType = "STUDIO"
	DwellingLoft      DwellingType = "LOFT"
)

// MatchType distinguishes a 2-party exchange from a 3-party cycle.
type MatchType string

const (
	MatchStandard MatchType = "STANDARD"
	MatchTriangle MatchType = "TRIANGLE"
)

// MatchStatus is the user-facing lifecycle of a match. Only MatchNew is
// written by the matching core.
type MatchStatus string

const (
	MatchNew        MatchStatus = "NEW"
	MatchInProgress MatchStatus = "IN_PROGRESS"
	MatchArchived   MatchStatus = "ARCHIVED"
)

// User is the participant identity used for notifications.
type User struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Email     string    `json:"email"      gorm:"type:varchar(255);not null;uniqueIndex"`
	Name      string    `json:"name"       gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Intent is a participant's single active matching context: the dwelling they
// offer, what they are looking for, and how many matches they can still pay
// for.
//
// Fields:
//   - RemainingCredits: never negative; decremented once per created match.
//   - InFlow: true while the intent takes part in matching. Flipped to false in
//     the same statement that brings RemainingCredits to zero.
//   - ActivelySearching: user-facing toggle, informational for the core.
//   - ProcessingLockedUntil: advisory lock held while a worker runs the
//     algorithms for this intent (blocks refunds and event enqueues).
//   - LastProcessedAt: when a worker last completed a task for the intent.
//     Used by the sweep to favour intents that waited longest.
type Intent struct {
	ID                    string     `json:"id"                 gorm:"type:char(36);primaryKey"`
	UserID                string     `json:"user_id"            gorm:"type:char(36);not null;index"`
	RemainingCredits      int        `json:"remaining_credits"  gorm:"not null;default:0;check:remaining_credits >= 0"`
	InFlow                bool       `json:"in_flow"            gorm:"not null;default:false;index:idx_intent_flow"`
	ActivelySearching     bool       `json:"actively_searching" gorm:"not null;default:true"`
	ProcessingLockedUntil *time.Time `json:"-"                  gorm:"index"`
	LastProcessedAt       *time.Time `json:"last_processed_at"  gorm:"index"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`

	User     *User           `json:"-"                  gorm:"foreignKey:UserID;references:ID"`
	Dwelling *Dwelling       `json:"dwelling,omitempty" gorm:"foreignKey:IntentID;references:ID"`
	Criteria *SearchCriteria `json:"criteria,omitempty" gorm:"foreignKey:IntentID;references:ID"`
}

// TableName returns the database table name for Intent.
func (Intent) TableName() string { return "intents" }

// Eligible reports whether the intent may take part in a new match.
func (i *Intent) Eligible() bool {
	return i != nil && i.InFlow && i.RemainingCredits > 0
}

// LockedAt reports whether the advisory processing lock is held at now.
func (i *Intent) LockedAt(now time.Time) bool {
	return i != nil && i.ProcessingLockedUntil != nil && i.ProcessingLockedUntil.After(now)
}

// Dwelling is the offered home snapshot owned by exactly one Intent.
type Dwelling struct {
	ID        string       `json:"id"         gorm:"type:char(36);primaryKey"`
	IntentID  string       `json:"intent_id"  gorm:"type:char(36);not null;uniqueIndex"`
	Lat       float64      `json:"lat"        gorm:"not null;index:idx_dwelling_geo,priority:1"`
	Lng       float64      `json:"lng"        gorm:"not null;index:idx_dwelling_geo,priority:2"`
	Rent      float64      `json:"rent"       gorm:"not null;index"`
	Surface   float64      `json:"surface"    gorm:"not null"`
	Rooms     int          `json:"rooms"      gorm:"not null"`
	Type      DwellingType `json:"type"       gorm:"type:varchar(16);not null"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Dwelling.
func (Dwelling) TableName() string { return "dwellings" }

// SearchCriteria bounds what an intent accepts. A zero upper bound
// (MaxRent, MaxSurface, MaxRooms) means unbounded; an empty Types list
// accepts every dwelling type. The availability window is inclusive and
// either end may be open (nil).
type SearchCriteria struct {
	ID            string                      `json:"id"             gorm:"type:char(36);primaryKey"`
	IntentID      string                      `json:"intent_id"      gorm:"type:char(36);not null;uniqueIndex"`
	MinRent       float64                     `json:"min_rent"       gorm:"not null;default:0"`
	MaxRent       float64                     `json:"max_rent"       gorm:"not null;default:0"`
	MinSurface    float64                     `json:"min_surface"    gorm:"not null;default:0"`
	MaxSurface    float64                     `json:"max_surface"    gorm:"not null;default:0"`
	MinRooms      int                         `json:"min_rooms"      gorm:"not null;default:0"`
	MaxRooms      int                         `json:"max_rooms"      gorm:"not null;default:0"`
	Types         datatypes.JSONSlice[string] `json:"types"`
	AvailableFrom *time.Time                  `json:"available_from"`
	AvailableTo   *time.Time                  `json:"available_to"`
	CreatedAt     time.Time                   `json:"created_at"`
	UpdatedAt     time.Time                   `json:"updated_at"`

	Zones []SearchZone `json:"zones" gorm:"foreignKey:CriteriaID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SearchCriteria.
func (SearchCriteria) TableName() string { return "search_criteria" }

// SearchZone is a named circle (center + radius) a seeker accepts homes in.
type SearchZone struct {
	ID         string  `json:"id"          gorm:"type:char(36);primaryKey"`
	CriteriaID string  `json:"criteria_id" gorm:"type:char(36);not null;index"`
	Label      string  `json:"label"       gorm:"type:varchar(128);not null;default:''"`
	Lat        float64 `json:"lat"         gorm:"not null"`
	Lng        float64 `json:"lng"         gorm:"not null"`
	RadiusKm   float64 `json:"radius_km"   gorm:"not null"`
}

// TableName returns the database table name for SearchZone.
func (SearchZone) TableName() string { return "search_zones" }

// CompatibilityEdge records that the search of FromIntentID accepts the
// dwelling of ToIntentID. Edges are a lazily refreshed cache used by the
// triangle engine and are re-verified before any commit.
type CompatibilityEdge struct {
	FromIntentID string    `json:"from_intent_id" gorm:"type:char(36);primaryKey"`
	ToIntentID   string    `json:"to_intent_id"   gorm:"type:char(36);primaryKey;index"`
	Score        float64   `json:"score"          gorm:"not null;default:0"`
	RefreshedAt  time.Time `json:"refreshed_at"   gorm:"not null;index"`
}

// TableName returns the database table name for CompatibilityEdge.
func (CompatibilityEdge) TableName() string { return "compatibility_edges" }

// Match is the durable result of a committed exchange. Every row created by
// the same transaction shares GroupID: two rows for STANDARD, three for
// TRIANGLE. A seeker can point at a given dwelling at most once.
type Match struct {
	ID               string      `json:"id"                 gorm:"type:char(36);primaryKey"`
	SeekerIntentID   string      `json:"seeker_intent_id"   gorm:"type:char(36);not null;uniqueIndex:ux_match_seeker_dwelling,priority:1"`
	TargetDwellingID string      `json:"target_dwelling_id" gorm:"type:char(36);not null;uniqueIndex:ux_match_seeker_dwelling,priority:2"`
	TargetIntentID   string      `json:"target_intent_id"   gorm:"type:char(36);not null;index"`
	Status           MatchStatus `json:"status"             gorm:"type:varchar(16);not null;default:'NEW'"`
	Type             MatchType   `json:"type"               gorm:"type:varchar(16);not null;check:type IN ('STANDARD','TRIANGLE')"`
	GroupID          string      `json:"group_id"           gorm:"type:char(36);not null;index"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Match.
func (Match) TableName() string { return "matches" }

// Payment is one purchase record in a user's credit ledger. Credits are drawn
// oldest-first from entries that still have capacity.
type Payment struct {
	ID              string     `json:"id"               gorm:"type:char(36);primaryKey"`
	UserID          string     `json:"user_id"          gorm:"type:char(36);not null;index:idx_payment_fifo,priority:1"`
	CreditsInitial  int        `json:"credits_initial"  gorm:"not null"`
	CreditsUsed     int        `json:"credits_used"     gorm:"not null;default:0"`
	CreditsRefunded int        `json:"credits_refunded" gorm:"not null;default:0"`
	RefundedAt      *time.Time `json:"refunded_at"`
	CreatedAt       time.Time  `json:"created_at"       gorm:"index:idx_payment_fifo,priority:2"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }

// Available returns the number of credits that can still be drawn.
func (p Payment) Available() int {
	return p.CreditsInitial - p.CreditsUsed - p.CreditsRefunded
}
