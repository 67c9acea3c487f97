package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSingleRuleLimitsWithinWindow(t *testing.T) {
	var th = New([]Rule{{Window: time.Second, Max: 1}})
	var base = time.Unix(0, 0)

	var d = th.TryFire(base)
	require.True(t, d.Allowed)

	d = th.TryFire(base.Add(100 * time.Millisecond))
	require.False(t, d.Allowed)
	require.Equal(t, base.Add(time.Second), d.DeferUntil)

	// Idempotent while deferred: asking again before the deadline gives the
	// same deferral, even from a different "now".
	d = th.TryFire(base.Add(200 * time.Millisecond))
	require.False(t, d.Allowed)
	require.Equal(t, base.Add(time.Second), d.DeferUntil)

	d = th.TryFire(base.Add(time.Second))
	require.True(t, d.Allowed)
}

func TestMultipleRulesTakeTheStrictest(t *testing.T) {
	var th = New([]Rule{
		{Window: time.Second, Max: 1},
		{Window: time.Minute, Max: 2},
	})
	var base = time.Unix(0, 0)

	require.True(t, th.TryFire(base).Allowed)
	require.True(t, th.TryFire(base.Add(time.Second)).Allowed)

	// Third fire: the 1s/1 rule would allow it at +2s, but the 1min/2 rule
	// won't allow a third fire until the first one ages out at +1min.
	var d = th.TryFire(base.Add(2 * time.Second))
	require.False(t, d.Allowed)
	require.Equal(t, base.Add(time.Minute), d.DeferUntil)
}

func TestNeverExceedsMaxCountInAnyWindow(t *testing.T) {
	var th = New([]Rule{{Window: time.Minute, Max: 6}})
	var base = time.Unix(0, 0)
	var allowedAt []time.Time

	for i := 0; i < 200; i++ {
		var now = base.Add(time.Duration(i) * time.Second)
		if d := th.TryFire(now); d.Allowed {
			allowedAt = append(allowedAt, now)
		}
	}

	for i := range allowedAt {
		var count int
		for j := range allowedAt {
			if !allowedAt[j].Before(allowedAt[i]) {
				continue
			}
			if allowedAt[i].Sub(allowedAt[j]) < time.Minute {
				count++
			}
		}
		require.LessOrEqual(t, count, 6)
	}
}

func TestZeroMaxNeverThrottles(t *testing.T) {
	var th = New([]Rule{{Window: time.Second, Max: 0}})
	var base = time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		require.True(t, th.TryFire(base).Allowed)
	}
}
