package domain

import (
	"time"

	"gorm.io/datatypes"
)

// OutboxEntry stages notification contributions per (run, user, intent).
// Matching transactions upsert into the open row of that key; once a sender
// has claimed it, later matches start a new row with the next Seq. The sender
// aggregates claimed rows by user and marks them processed once the
// notification went out. Rows are never deleted before being processed:
// exhausted rows are parked far in the future instead.
type OutboxEntry struct {
	ID              string                      `json:"id"                gorm:"type:char(36);primaryKey"`
	RunID           string                      `json:"run_id"            gorm:"type:varchar(64);not null;uniqueIndex:ux_outbox_run_user_intent,priority:1"`
	UserID          string                      `json:"user_id"           gorm:"type:char(36);not null;uniqueIndex:ux_outbox_run_user_intent,priority:2;index"`
	IntentID        string                      `json:"intent_id"         gorm:"type:char(36);not null;uniqueIndex:ux_outbox_run_user_intent,priority:3"`
	Seq             int                         `json:"seq"               gorm:"not null;default:0;uniqueIndex:ux_outbox_run_user_intent,priority:4"`
	MatchCountDelta int                         `json:"match_count_delta" gorm:"not null;default:0"`
	MatchType       MatchType                   `json:"match_type"        gorm:"type:varchar(16);not null"`
	MatchUIDs       datatypes.JSONSlice[string] `json:"match_uids"`
	Attempts        int                         `json:"attempts"          gorm:"not null;default:0"`
	MaxAttempts     int                         `json:"max_attempts"      gorm:"not null;default:8"`
	AvailableAt     time.Time                   `json:"available_at"      gorm:"not null;index:idx_outbox_due,priority:2"`
	LockedBy        string                      `json:"-"                 gorm:"type:varchar(128);not null;default:''"`
	ProcessedAt     *time.Time                  `json:"processed_at"      gorm:"index:idx_outbox_due,priority:1"`
	LastError       string                      `json:"last_error"        gorm:"type:text;not null;default:''"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// TableName returns the database table name for OutboxEntry.
func (OutboxEntry) TableName() string { return "match_outbox" }

// SchedulerLease elects the single active maintenance instance. The holder
// renews it every run; another instance may take it over once it expires.
type SchedulerLease struct {
	Name      string    `gorm:"type:varchar(64);primaryKey"`
	Holder    string    `gorm:"type:varchar(128);not null"`
	ExpiresAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName returns the database table name for SchedulerLease.
func (SchedulerLease) TableName() string { return "scheduler_leases" }
