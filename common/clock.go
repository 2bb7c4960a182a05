// Package common holds small process-wide helpers shared across the
// engine, the way turbo-geth's common package holds CopyBytes, hashing
// and storage-size helpers used from every layer.
package common

import "time"

// Clock is the ambient time source installed at engine construction
// (spec: "the ambient time functions currentTime()/absTime(rel) are
// installed at engine start"). Tests inject a fake clock so flush
// eligibility windows (min_data_age, queue_age_cap, expiry_window) are
// deterministic.
type Clock interface {
	// Now returns the current absolute time in whole seconds, matching
	// the engine's absolute-seconds exptime/dataAge/lockUntil fields.
	Now() int64
}

// SystemClock is the default Clock backed by the OS wall clock.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().Unix() }

// FixedClock is a manually-advanced Clock used by tests.
type FixedClock struct {
	t int64
}

func NewFixedClock(t int64) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() int64 { return c.t }

func (c *FixedClock) Set(t int64) { c.t = t }

func (c *FixedClock) Advance(secs int64) { c.t += secs }
