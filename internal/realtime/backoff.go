package realtime

import (
	"time"

	"tangled.org/arabica.social/murmur/internal/models"
)

// Backoff is the exponential retry policy shared by the gateway's resume
// windows and the reconnecting client.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the policy used when none is configured
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        1 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 6,
	}
}

// Delay returns the wait before attempt n (zero based): Base doubled n
// times, capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		if d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether n attempts used up the retry budget
func (b Backoff) Exhausted(n int) bool {
	return n >= b.MaxAttempts
}

// Validate checks the policy for usable values
func (b Backoff) Validate() error {
	if b.Base <= 0 {
		return &models.ConfigError{Field: "backoff.base", Message: "must be positive"}
	}
	if b.Max < b.Base {
		return &models.ConfigError{Field: "backoff.max", Message: "must be at least base"}
	}
	if b.MaxAttempts < 1 {
		return &models.ConfigError{Field: "backoff.max_attempts", Message: "must be at least 1"}
	}
	return nil
}
