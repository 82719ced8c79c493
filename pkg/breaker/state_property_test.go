package breaker

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const (
	opCheck = iota
	opSuccess
	opFailure
	opTick
)

// Property: for any sequence of operations the breaker never admits an
// attempt while open inside the cool-down, never admits more half-open probes
// than the cap until the outstanding ones are a cool-down old, and only
// zeroes the failure count when it closes.
func TestStateMachineInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	cfg := Config{FailureThreshold: 3, OpenDuration: 10 * time.Second, HalfOpenMaxTrials: 2}

	properties.Property("invariants hold across random sequences", prop.ForAll(
		func(ops []int) bool {
			now := time.Unix(1700000000, 0)
			e := closedEntry()
			probes := 0
			for _, op := range ops {
				prev := e
				switch op {
				case opCheck:
					var d Decision
					e, d = cfg.check(e, now)
					if prev.State == StateOpen && now.Sub(prev.OpenedAt) < cfg.OpenDuration && d.Allowed {
						return false
					}
					if !d.Allowed && d.RetryAfter < 1 {
						return false
					}
					if e.State == StateHalfOpen {
						if prev.State != StateHalfOpen {
							probes = 0
						}
						if d.Allowed && prev.State == StateHalfOpen && prev.Trials >= cfg.HalfOpenMaxTrials {
							if now.Sub(prev.ProbedAt) < cfg.OpenDuration {
								return false
							}
							probes = 0
						}
						if d.Allowed {
							probes++
						}
						if probes > cfg.HalfOpenMaxTrials {
							return false
						}
					}
				case opSuccess:
					e = cfg.success(e)
				case opFailure:
					e = cfg.failure(e, now)
					if e.Failures != prev.Failures+1 {
						return false
					}
				case opTick:
					now = now.Add(3 * time.Second)
				}
				if e.Failures < prev.Failures && e.State != StateClosed {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(opCheck, opTick)),
	))

	properties.TestingRun(t)
}
