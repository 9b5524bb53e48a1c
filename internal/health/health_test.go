package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daylogapp/daylog-sync/internal/clock"
	"github.com/daylogapp/daylog-sync/internal/netclient/fakeclient"
)

func TestChecker_HealthyReachable(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	nc := fakeclient.New()
	c := New(nc, fc)

	state, err := c.Check(context.Background())
	require.NoError(t, err)
	require.True(t, state.Reachable)
	require.False(t, state.CaptivePortal)
}

func TestChecker_CachesWithinTTL(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	nc := fakeclient.New()
	calls := 0
	nc.HealthCheckFunc = func(ctx context.Context) (int, string, []byte, error) {
		calls++
		return 200, "application/json", []byte(`{"ok":true}`), nil
	}
	c := New(nc, fc)

	_, err := c.Check(context.Background())
	require.NoError(t, err)
	_, err = c.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	fc.Advance(TTL + time.Second)
	_, err = c.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestChecker_Invalidate_ForcesRecheck(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	nc := fakeclient.New()
	calls := 0
	nc.HealthCheckFunc = func(ctx context.Context) (int, string, []byte, error) {
		calls++
		return 200, "application/json", []byte(`{"ok":true}`), nil
	}
	c := New(nc, fc)

	_, err := c.Check(context.Background())
	require.NoError(t, err)
	c.Invalidate()
	_, err = c.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestChecker_DetectsCaptivePortalOnHTMLRedirect(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	nc := fakeclient.New()
	nc.HealthCheckFunc = func(ctx context.Context) (int, string, []byte, error) {
		return 302, "text/html; charset=utf-8", []byte("<html>login</html>"), nil
	}
	c := New(nc, fc)

	state, err := c.Check(context.Background())
	require.NoError(t, err)
	require.True(t, state.CaptivePortal)
	require.False(t, state.Reachable)
}

func TestChecker_DetectsCaptivePortalOnMissingSentinel(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	nc := fakeclient.New()
	nc.HealthCheckFunc = func(ctx context.Context) (int, string, []byte, error) {
		return 200, "application/json", []byte(`{"status":"unexpected"}`), nil
	}
	c := New(nc, fc)

	state, err := c.Check(context.Background())
	require.NoError(t, err)
	require.True(t, state.Reachable)
	require.True(t, state.CaptivePortal)
}

func TestChecker_NetworkErrorIsUnreachable(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	nc := fakeclient.New()
	nc.HealthCheckFunc = func(ctx context.Context) (int, string, []byte, error) {
		return 0, "", nil, context.DeadlineExceeded
	}
	c := New(nc, fc)

	state, err := c.Check(context.Background())
	require.Error(t, err)
	require.False(t, state.Reachable)
}
