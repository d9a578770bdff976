package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("duplicate")

	// ErrStaleClaim is returned when a task or outbox row is finalised by a
	// claimant that no longer owns it (released and possibly re-claimed).
	ErrStaleClaim = errors.New("claim no longer held")

	// ErrNoCreditSource is returned when no payment record of the user has
	// remaining capacity.
	ErrNoCreditSource = errors.New("no payment with remaining credits")

	// ErrNoCredit is returned when an intent counter is already at zero.
	ErrNoCredit = errors.New("intent has no remaining credits")
)

// isUniqueViolation recognises unique-key failures across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value violates unique constraint")
}

// truncate caps diagnostic strings stored in text columns.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
