// Package throttle rate-limits a named event stream to at most K fires
// per sliding window, for an arbitrary list of (window, K) rules. It is
// pure decision logic: the caller is responsible for actually scheduling
// the deferred retry.
package throttle

import "time"

// Rule bounds firing to at most Max occurrences within any sliding window
// of duration Window.
type Rule struct {
	Window time.Duration
	Max    int
}

// Decision is the outcome of a TryFire call.
type Decision struct {
	// Allowed reports whether the fire may proceed now.
	Allowed bool
	// DeferUntil is the earliest time at which firing would satisfy every
	// rule; meaningful only when Allowed is false.
	DeferUntil time.Time
}

// Throttler enforces a fixed list of Rules against a single event stream.
// The zero value is not usable; construct with New.
type Throttler struct {
	rules []ruleState
	// deferred holds the time a single pending retry is scheduled for, so
	// that a TryFire arriving while already deferred is a no-op (an
	// "idle <-> deferred" single-timer state machine).
	deferred   bool
	deferUntil time.Time
}

type ruleState struct {
	rule Rule
	// fires is a ring buffer of the last Max fire timestamps; once it has
	// filled, the oldest entry is the one at index next.
	fires []time.Time
	next  int // index the next fire timestamp will be written to
	count int // number of valid entries in fires, capped at rule.Max
}

// New returns a Throttler enforcing every rule in rules.
func New(rules []Rule) *Throttler {
	var t = &Throttler{rules: make([]ruleState, len(rules))}
	for i, r := range rules {
		t.rules[i] = ruleState{rule: r, fires: make([]time.Time, r.Max)}
	}
	return t
}

// TryFire asks whether an event may fire at now. If Allowed, the fire is
// recorded against every rule. If not, a single deferred retry is armed
// for Decision.DeferUntil; a subsequent TryFire call made before that time
// elapses is a no-op that returns the same (already pending) decision,
// idempotently.
func (t *Throttler) TryFire(now time.Time) Decision {
	if t.deferred && now.Before(t.deferUntil) {
		return Decision{Allowed: false, DeferUntil: t.deferUntil}
	}

	var latestAllowed = now
	for i := range t.rules {
		if at, ok := t.rules[i].deferUntil(now); ok && at.After(latestAllowed) {
			latestAllowed = at
		}
	}

	if latestAllowed.After(now) {
		t.deferred = true
		t.deferUntil = latestAllowed
		return Decision{Allowed: false, DeferUntil: latestAllowed}
	}

	t.deferred = false
	for i := range t.rules {
		t.rules[i].record(now)
	}
	return Decision{Allowed: true}
}

// deferUntil returns the earliest time a fire at now would satisfy r, and
// whether r is currently constraining (ok=false means r permits firing
// immediately, eg. because it has not yet seen Max fires).
func (r *ruleState) deferUntil(now time.Time) (time.Time, bool) {
	if r.rule.Max <= 0 || r.count < r.rule.Max {
		return time.Time{}, false
	}
	var oldest = r.fires[r.next] // oldest entry is exactly where we'd write next
	var satisfiedAt = oldest.Add(r.rule.Window)
	if !satisfiedAt.After(now) {
		return time.Time{}, false
	}
	return satisfiedAt, true
}

func (r *ruleState) record(now time.Time) {
	if r.rule.Max <= 0 {
		return // an unconstrained rule keeps no history
	}
	r.fires[r.next] = now
	r.next = (r.next + 1) % len(r.fires)
	if r.count < r.rule.Max {
		r.count++
	}
}
