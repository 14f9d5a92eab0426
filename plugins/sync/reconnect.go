package sync

import (
	mathrand "math/rand"
	"time"
)

// Reconnect schedules bounded exponential backoff with jitter between
// connection attempts.
type Reconnect struct {
	base    time.Duration
	cap     time.Duration
	jitter  float64
	attempt int
}

func NewReconnect(base time.Duration, cap time.Duration, jitter float64) *Reconnect {
	return &Reconnect{
		base:   base,
		cap:    cap,
		jitter: jitter,
	}
}

// After returns a timer channel for the next attempt and advances the
// backoff.
func (self *Reconnect) After() <-chan time.Time {
	backoff := self.base << self.attempt
	if self.cap < backoff || backoff < self.base {
		backoff = self.cap
	}
	if self.attempt < 30 {
		self.attempt += 1
	}
	// jitter by +-self.jitter (0.2 in the default settings) so reconnect
	// storms spread out
	spread := 1 + self.jitter*(2*mathrand.Float64()-1)
	backoff = time.Duration(float64(backoff) * spread)
	return time.After(backoff)
}

// Reset returns the backoff to its base after a healthy connection.
func (self *Reconnect) Reset() {
	self.attempt = 0
}
