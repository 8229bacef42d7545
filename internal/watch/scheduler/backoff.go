package scheduler

import (
	"math"
	"math/rand"
	"time"
)

const maxBackoff = time.Hour

// Backoff tracks consecutive failed fetches of a job. Timer triggers are
// held back while the backoff delay has not passed yet.
type Backoff struct {
	Base                time.Duration
	ConsecutiveFailures int
	LastFailureTime     time.Time
}

// Delay grows exponentially from the base with +/-10% jitter
func (b *Backoff) Delay() time.Duration {
	if b.ConsecutiveFailures == 0 {
		return 0
	}

	delay := float64(b.Base) * math.Pow(2, float64(b.ConsecutiveFailures-1))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}

	jitter := delay * 0.1 * (2*rand.Float64() - 1)
	return time.Duration(delay + jitter)
}

// Ready reports whether a timer-triggered cycle may run at the given time
func (b *Backoff) Ready(now time.Time) bool {
	if b.ConsecutiveFailures == 0 {
		return true
	}
	return !now.Before(b.LastFailureTime.Add(b.Delay()))
}

func (b *Backoff) RecordSuccess() {
	b.ConsecutiveFailures = 0
	b.LastFailureTime = time.Time{}
}

func (b *Backoff) RecordFailure(at time.Time) {
	b.ConsecutiveFailures++
	b.LastFailureTime = at
}
