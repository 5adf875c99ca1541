package disbursement

import "time"

// BackoffPolicy bounds transfer retries for ambiguous failures.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultBackoff is three attempts, 500ms doubling, capped at 5s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	def := DefaultBackoff()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Budget is the longest a transfer with retries can take when each attempt
// runs for the full timeout.
func (p BackoffPolicy) Budget(timeout time.Duration) time.Duration {
	p = p.withDefaults()
	total := time.Duration(p.MaxAttempts) * timeout
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		total += p.Delay(attempt)
	}
	return total
}

// Delay returns the wait after the given (1-based) failed attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		// Doubling past half the cap would exceed it, or wrap around.
		if delay > p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	return min(delay, p.MaxDelay)
}
