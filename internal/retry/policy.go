package retry

import (
	"errors"
	"math"
	"time"
)

// ErrExhausted marks an item that used all of its automatic retry attempts.
// Such items stay failed until they are re-admitted manually.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy configures exponential backoff for failed items.
//
// MaxAttempts <= 0 means retries are unlimited. Otherwise an item whose error count has
// reached MaxAttempts is never retried automatically.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the default retry policy: 2h base delay doubling up to 24h, 3 attempts
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   2 * time.Hour,
		Multiplier:  2.0,
		MaxDelay:    24 * time.Hour,
		MaxAttempts: 3,
	}
}

// Unlimited reports whether the policy never exhausts retries
func (p Policy) Unlimited() bool {
	return p.MaxAttempts <= 0
}

// Delay returns min(BaseDelay * Multiplier^errorCount, MaxDelay)
func (p Policy) Delay(errorCount int) time.Duration {
	if errorCount < 0 {
		errorCount = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(errorCount))
	if p.MaxDelay > 0 && (delay > float64(p.MaxDelay) || math.IsInf(delay, 1)) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Exhausted reports whether errorCount has used up the allowed attempts
func (p Policy) Exhausted(errorCount int) bool {
	return !p.Unlimited() && errorCount >= p.MaxAttempts
}

// Check returns nil when an item is eligible for retry at now, ErrExhausted when it never will be
// automatically, or a *WaitError carrying the time it becomes eligible.
// An item without a recorded error time is eligible immediately.
func (p Policy) Check(errorCount int, lastErrorAt *time.Time, now time.Time) error {
	if p.Exhausted(errorCount) {
		return ErrExhausted
	}
	if lastErrorAt == nil {
		return nil
	}
	readyAt := lastErrorAt.Add(p.Delay(errorCount))
	if now.Before(readyAt) {
		return &WaitError{ReadyAt: readyAt}
	}
	return nil
}

// Eligible reports whether an item may be retried at now
func (p Policy) Eligible(errorCount int, lastErrorAt *time.Time, now time.Time) bool {
	return p.Check(errorCount, lastErrorAt, now) == nil
}

// NextAttempt returns when the item becomes eligible. ok is false for exhausted items.
func (p Policy) NextAttempt(errorCount int, lastErrorAt *time.Time, now time.Time) (at time.Time, ok bool) {
	err := p.Check(errorCount, lastErrorAt, now)
	if err == nil {
		return now, true
	}
	var wait *WaitError
	if errors.As(err, &wait) {
		return wait.ReadyAt, true
	}
	return time.Time{}, false
}

// WaitError is returned by Check when the backoff delay has not elapsed yet
type WaitError struct {
	ReadyAt time.Time
}

func (e *WaitError) Error() string {
	return "retry not due until " + e.ReadyAt.Format(time.RFC3339)
}
