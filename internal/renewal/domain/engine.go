// Package domain defines the auto-renewal engine contract.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	// ErrLockLost means another worker won the per-record renewal lock.
	ErrLockLost = errors.New("renewal_lock_lost")
	// ErrNotEligible means the record no longer qualifies for renewal.
	ErrNotEligible = errors.New("renewal_not_eligible")
)

// Engine drives one renewal cycle per expired record. Process is safe to
// call concurrently for the same record: the per-record lock guarantees at
// most one top-up per cycle.
type Engine interface {
	// Process attempts a renewal for one expired record. Callers that lost
	// the lock or raced an ineligible record get a nil error; genuine
	// failures propagate.
	Process(ctx context.Context, esimID snowflake.ID) error

	// Verify confirms a completed top-up against the provider after the
	// verification delay has elapsed.
	Verify(ctx context.Context, esimID snowflake.ID) error
}
