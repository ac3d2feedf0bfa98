package ratelimit

import (
	"context"
	"time"
)

// WindowState is the counter state for one key after an increment attempt.
type WindowState struct {
	// Admitted reports whether this call consumed a slot.
	Admitted bool
	// Count is the number of admitted requests in the active window.
	Count int
	// Reset is the absolute instant the active window closes.
	Reset time.Time
}

// CounterStore persists window counters. Increment must be atomic per key:
// it starts a new window (count=1) when none is active at now, increments
// when count < limit, and otherwise leaves the counter untouched.
type CounterStore interface {
	Increment(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (WindowState, error)
	// Name identifies the backend in logs.
	Name() string
}

// counterKey builds the storage key for an (identifier, class) pair.
func counterKey(prefix, class, identifier string) string {
	if prefix == "" {
		return class + ":" + identifier
	}
	return prefix + ":" + class + ":" + identifier
}
