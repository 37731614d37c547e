// Package clock abstracts time for the decision core so that window and
// bucket arithmetic can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. The decision core never calls time.Now
// directly; it asks the injected Clock so tests can drive time by hand.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake is a manually-advanced Clock for tests. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock pinned to the given instant.
func NewFake(at time.Time) *Fake {
	return &Fake{now: at}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set pins the clock to a specific instant.
func (f *Fake) Set(at time.Time) {
	f.mu.Lock()
	f.now = at
	f.mu.Unlock()
}
