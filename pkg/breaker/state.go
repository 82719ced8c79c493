package breaker

import (
	"math"
	"time"
)

// State is the health classification of one protocol.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Entry is the breaker record for one protocol.
//
// Failures resets to zero only on a transition into closed. OpenedAt is
// meaningful only while State is open, ProbedAt only while half-open: it is
// when the latest probe was admitted.
type Entry struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"openedAt"`
	Trials   int       `json:"trials"`
	ProbedAt time.Time `json:"probedAt"`
}

// closedEntry is the entry a protocol starts with on first reference.
func closedEntry() Entry {
	return Entry{State: StateClosed}
}

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is the failure count at which a closed breaker opens.
	FailureThreshold int
	// OpenDuration is the cool-down before an open breaker admits probes.
	OpenDuration time.Duration
	// HalfOpenMaxTrials caps the probes admitted per half-open window.
	HalfOpenMaxTrials int
}

// DefaultConfig returns threshold 3, 30 s cool-down, one probe.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		OpenDuration:      30 * time.Second,
		HalfOpenMaxTrials: 1,
	}
}

// HalfOpenRetryAfter is the retry hint, in seconds, when the half-open probe
// budget is spent.
const HalfOpenRetryAfter = 1

// Decision is the result of a gate check.
type Decision struct {
	Allowed bool
	// RetryAfter is the suggested wait in seconds when not allowed.
	RetryAfter int
}

// check gates one attempt. Open turns into half-open on the first check after
// the cool-down has elapsed. Probes that have reported no outcome for a whole
// cool-down are written off, so a lost probe holder cannot pin the breaker.
func (c Config) check(e Entry, now time.Time) (Entry, Decision) {
	if e.State == StateOpen {
		elapsed := now.Sub(e.OpenedAt)
		if elapsed < c.OpenDuration {
			remaining := c.OpenDuration - elapsed
			return e, Decision{RetryAfter: int(math.Ceil(remaining.Seconds()))}
		}
		e.State = StateHalfOpen
		e.OpenedAt = time.Time{}
		e.Trials = 0
		e.ProbedAt = time.Time{}
	}
	if e.State == StateHalfOpen {
		if e.Trials >= c.HalfOpenMaxTrials {
			if e.ProbedAt.IsZero() || now.Sub(e.ProbedAt) < c.OpenDuration {
				return e, Decision{RetryAfter: HalfOpenRetryAfter}
			}
			e.Trials = 0
		}
		e.Trials++
		e.ProbedAt = now
	}
	return e, Decision{Allowed: true}
}

// success closes the breaker with full recovery credit.
func (c Config) success(Entry) Entry {
	return closedEntry()
}

// failure counts a failed attempt. A half-open probe failure re-opens
// immediately, regardless of the failure count.
func (c Config) failure(e Entry, now time.Time) Entry {
	e.Failures++
	if e.State == StateHalfOpen || e.Failures >= c.FailureThreshold {
		e.State = StateOpen
		e.OpenedAt = now
		e.Trials = 0
		e.ProbedAt = time.Time{}
	}
	return e
}

// release hands back a half-open probe that was admitted but never reached
// the protocol, so the window is not left without an outcome.
func (c Config) release(e Entry) Entry {
	if e.State == StateHalfOpen && e.Trials > 0 {
		e.Trials--
		if e.Trials == 0 {
			e.ProbedAt = time.Time{}
		}
	}
	return e
}
