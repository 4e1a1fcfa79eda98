// Package clock supplies the time source for the usage ledger and its stores.
package clock

import (
	"sync"
	"time"

	"github.com/artpar/paywall/ports"
)

// Precision is the resolution ledger timestamps are kept at. PostgreSQL keeps
// microseconds, so a window bound computed here matches the stored events on
// every backend.
const Precision = time.Microsecond

// Real is the wall clock in UTC at ledger precision.
type Real struct{}

// Now returns the current UTC time truncated to Precision.
func (Real) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}

// Or returns c, or the wall clock when c is nil.
func Or(c ports.Clock) ports.Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Fake is a manually advanced clock. Window and retention tests move it past
// boundaries instead of sleeping.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock stopped at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

var (
	_ ports.Clock = Real{}
	_ ports.Clock = (*Fake)(nil)
)
