// Package services defines the matching core: the credit ledger, the standard
// and triangle matchers, the enqueue service, and the notification outbox.
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Domain rejections (ErrNotEligible, ErrInsufficientCredits,
// ErrDuplicateMatch, ErrIncompatible) abort the current candidate only.
// ErrCreditSourceExhausted is a ledger inconsistency and fails the task.
package services

import "errors"

// Intent-related errors.
var (
	// ErrIntentNotFound indicates that the requested intent does not exist.
	ErrIntentNotFound = errors.New("intent not found")

	// ErrNotEligible is returned when an intent is out of the flow, has no
	// remaining credits, or is under a processing lock.
	ErrNotEligible = errors.New("intent not eligible for matching")

	// ErrIntentProcessing is returned when an operation is refused because a
	// worker currently holds the intent's processing lock.
	ErrIntentProcessing = errors.New("intent is being processed")
)

// Matching and credit errors.
var (
	// ErrInsufficientCredits is returned when a participant's counter is
	// already zero at commit time.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDuplicateMatch is returned when a match between the parties already
	// exists.
	ErrDuplicateMatch = errors.New("match already exists")

	// ErrIncompatible is returned when a fresh re-check of the parties'
	// criteria no longer passes at commit time.
	ErrIncompatible = errors.New("parties no longer compatible")

	// ErrCreditSourceExhausted is returned when an intent still shows credits
	// but no payment record has capacity left to back them.
	ErrCreditSourceExhausted = errors.New("no payment record with remaining credits")

	// ErrRepurchaseCooldown is returned when a user asks to buy credits again
	// too soon after a refund.
	ErrRepurchaseCooldown = errors.New("repurchase not allowed yet after refund")
)

// isRejection reports whether err is an expected, candidate-scoped domain
// rejection rather than a task failure.
func isRejection(err error) bool {
	return errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrDuplicateMatch) ||
		errors.Is(err, ErrIncompatible)
}
