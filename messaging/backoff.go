package messaging

import (
	"math"
	"time"

	"pickedge/outbox"
)

// Backoff spaces out retries of a failing entry: base * 2^(retries-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns how long to wait after the given number of failures. Without
// a cap the delay saturates instead of overflowing.
func (b Backoff) Delay(retries int) time.Duration {
	if retries <= 0 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < retries && d <= math.MaxInt64/2; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Ready reports whether e may be attempted at now.
func (b Backoff) Ready(e *outbox.Entry, now time.Time) bool {
	if e.RetryCount == 0 || e.LastFailureAt == nil {
		return true
	}
	return !now.Before(e.LastFailureAt.Add(b.Delay(e.RetryCount)))
}
