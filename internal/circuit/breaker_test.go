package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daylogapp/daylog-sync/internal/clock"
)

func testParams() Params {
	return Params{Threshold: 3, BaseBackoff: time.Second, MaxBackoff: 8 * time.Second, MaxJitter: 0}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(testParams(), fc)

	b.OnRateLimited(0)
	require.Equal(t, Closed, b.State())
	b.OnRateLimited(0)
	require.Equal(t, Closed, b.State())
	b.OnRateLimited(0)
	require.Equal(t, Open, b.State())
	require.Equal(t, 1, b.Trips())
}

func TestBreaker_OpenToHalfOpenAfterDeadline(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(testParams(), fc)
	for i := 0; i < 3; i++ {
		b.OnRateLimited(0)
	}
	require.True(t, b.IsTripped())

	fc.Advance(2 * time.Second)
	require.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenRateLimitReopensImmediately(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(testParams(), fc)
	for i := 0; i < 3; i++ {
		b.OnRateLimited(0)
	}
	fc.Advance(2 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	b.OnRateLimited(0)
	require.Equal(t, Open, b.State())
	require.Equal(t, 2, b.Trips())
}

func TestBreaker_SuccessResetsFromHalfOpen(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(testParams(), fc)
	for i := 0; i < 3; i++ {
		b.OnRateLimited(0)
	}
	fc.Advance(2 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	b.OnSuccess()
	require.Equal(t, Closed, b.State())
	require.Zero(t, b.Trips())
}

func TestBreaker_BackoffRespectsServerRetryAfter(t *testing.T) {
	// P5: the first retry after a 429 occurs no earlier than max(server
	// retry_after, circuit backoff).
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(testParams(), fc)
	for i := 0; i < 2; i++ {
		b.OnRateLimited(0)
	}
	b.OnRateLimited(30 * time.Second)

	require.GreaterOrEqual(t, b.BackoffRemaining(), 30*time.Second)
}

func TestBreaker_BackoffGrowsAndCaps(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	params := testParams()
	b := New(params, fc)

	for i := 0; i < 3; i++ {
		b.OnRateLimited(0)
	}
	first := b.BackoffRemaining()
	require.Equal(t, params.BaseBackoff, first)

	fc.Advance(first)
	require.Equal(t, HalfOpen, b.State())
	b.OnRateLimited(0)
	second := b.BackoffRemaining()
	require.Equal(t, 2*params.BaseBackoff, second)

	fc.Advance(second)
	b.OnRateLimited(0)
	third := b.BackoffRemaining()
	require.LessOrEqual(t, third, params.MaxBackoff)
}
