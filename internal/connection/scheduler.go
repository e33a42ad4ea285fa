package connection

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Scheduler computes reconnect delays and holds the single pending retry
// timer. It knows nothing about sockets.
type Scheduler struct {
	policy Policy
	jitter func(max time.Duration) time.Duration

	mu      sync.Mutex
	enabled bool
	timer   *time.Timer
	gen     uint64 // Generation of the armed timer; 0 when idle
	seq     uint64
}

// NewScheduler returns a scheduler with auto-reconnect enabled.
func NewScheduler(policy Policy) *Scheduler {
	return &Scheduler{
		policy:  policy,
		jitter:  uniformJitter,
		enabled: true,
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Policy returns the policy the scheduler was built with.
func (s *Scheduler) Policy() Policy { return s.policy }

// SetEnabled turns automatic reconnection on or off.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Enabled reports whether automatic reconnection is on.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// ShouldRetry reports whether another attempt is allowed after attempt
// retries have already been scheduled.
func (s *Scheduler) ShouldRetry(attempt int) bool {
	return s.Enabled() && attempt < s.policy.MaxAttempts
}

// ComputeDelay returns the delay for a 1-indexed attempt:
// min(BaseDelay*2^(attempt-1) + jitter, MaxDelay).
func (s *Scheduler) ComputeDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(s.policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	backoff += float64(s.jitter(s.policy.JitterMax))
	if backoff >= float64(s.policy.MaxDelay) {
		return s.policy.MaxDelay
	}
	return time.Duration(backoff)
}

// Schedule arms fn to run after delay, replacing any pending timer. fn
// receives the generation returned here so the caller can tell a live fire
// from one that raced with Cancel.
func (s *Scheduler) Schedule(fn func(gen uint64), delay time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.seq++
	gen := s.seq
	s.gen = gen
	s.timer = time.AfterFunc(delay, func() { fn(gen) })
	return gen
}

// Cancel stops the pending timer, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

// Claim consumes the pending slot if gen is still the armed generation.
// It returns false for fires that were cancelled or superseded.
func (s *Scheduler) Claim(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen == 0 || gen != s.gen {
		return false
	}
	s.gen = 0
	s.timer = nil
	return true
}

// Pending reports whether a retry timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != 0
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen = 0
}
