package reconciliation

import (
	"errors"
	"sync"
	"time"

	"github.com/mbd888/devolt/internal/retry"
)

var (
	ErrNotPolling     = errors.New("backoff: no poll in progress")
	ErrAlreadyPolling = errors.New("backoff: poll already in progress")
)

// Phase is the backoff controller state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePolling
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePolling:
		return "polling"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backoff decides how long to wait before the next poll. After a
// successful poll the wait is the regular interval; after n consecutive
// failures it is min(base * 2^n, max). It holds no timers.
type Backoff struct {
	mu       sync.Mutex
	interval time.Duration
	base     time.Duration
	max      time.Duration
	failures int
	phase    Phase
	delay    time.Duration
}

// NewBackoff creates a controller in the Idle phase.
func NewBackoff(interval, base, max time.Duration) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{interval: interval, base: base, max: max, delay: interval}
}

// Begin moves the controller into the Polling phase.
func (b *Backoff) Begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == PhasePolling {
		return ErrAlreadyPolling
	}
	b.phase = PhasePolling
	return nil
}

// Success records a successful poll, resets the failure count and returns
// the delay before the next poll.
func (b *Backoff) Success() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhasePolling {
		return b.delay, ErrNotPolling
	}
	b.phase = PhaseSucceeded
	b.failures = 0
	b.delay = b.interval
	b.observe()
	return b.delay, nil
}

// Failure records a failed poll and returns the delay before the next poll.
func (b *Backoff) Failure() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhasePolling {
		return b.delay, ErrNotPolling
	}
	b.phase = PhaseFailed
	b.failures++
	b.delay = retry.Exponential(b.base, b.max, b.failures)
	b.observe()
	return b.delay, nil
}

// Delay returns the most recently computed delay.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Failures returns the consecutive failure count.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Phase returns the current phase.
func (b *Backoff) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// observe publishes the current state. Caller must hold b.mu.
func (b *Backoff) observe() {
	backoffDelay.Set(b.delay.Seconds())
	consecutiveFailures.Set(float64(b.failures))
}
