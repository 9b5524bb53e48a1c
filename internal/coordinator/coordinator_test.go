package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/daylogapp/daylog-sync/internal/circuit"
	"github.com/daylogapp/daylog-sync/internal/clock"
	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/netclient"
	"github.com/daylogapp/daylog-sync/internal/netclient/fakeclient"
	"github.com/daylogapp/daylog-sync/internal/progress"
	"github.com/daylogapp/daylog-sync/internal/store/fakestore"
)

func testConfig() Config {
	return Config{
		BatchSize:         50,
		PullPageLimit:     500,
		MaxPagesPerSync:   20,
		SyncTotalDeadline: 5 * time.Second,
		Circuit:           circuit.DefaultParams(),
	}
}

// seedCreates enqueues n pending event-creates directly against fs, the way
// the store's own EnqueuePending would after a local write, bypassing HTTP
// and internal/mutation's id generation (not under test here).
func seedCreates(t *testing.T, fs *fakestore.Store, c clock.Clock, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		tx, err := fs.BeginTx(ctx)
		require.NoError(t, err)
		id := "evt-" + string(rune('a'+i))
		m := models.PendingMutation{
			ID:        id + "-mut",
			Kind:      models.MutationCreate,
			Entity:    models.EntityEvent,
			TargetID:  id,
			Payload:   models.Event{ID: id, Source: "local"},
			CreatedTS: c.Now(),
		}
		require.NoError(t, tx.EnqueuePending(m))
		require.NoError(t, tx.Commit())
	}
}

func TestCoordinator_HappyFlush(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	fs := fakestore.New()
	seedCreates(t, fs, fc, 3)

	nc := fakeclient.New()
	batchCalls := 0
	nc.CreateEventsBatchFunc = func(ctx context.Context, items []netclient.EventCreate) (models.BatchCreateResult, error) {
		batchCalls++
		res := models.BatchCreateResult{Success: len(items), Items: make([]models.BatchCreateItem, len(items))}
		for i, it := range items {
			res.Items[i] = models.BatchCreateItem{Status: "ok", ID: it.Event.ID}
		}
		return res, nil
	}

	sink := progress.New(context.Background())
	defer sink.Stop()

	co := New(zerolog.Nop(), fs, nc, fc, sink, nil, testConfig())
	co.performPass(context.Background())

	require.Equal(t, 1, batchCalls)
	n, err := fs.CountPendingMutations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, StateIdle, co.Status().State)
}

func TestCoordinator_RateLimitTripsCircuitAfterThreshold(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	fs := fakestore.New()
	seedCreates(t, fs, fc, 3)

	nc := fakeclient.New()
	var calls int32
	nc.CreateEventsBatchFunc = func(ctx context.Context, items []netclient.EventCreate) (models.BatchCreateResult, error) {
		atomic.AddInt32(&calls, 1)
		return models.BatchCreateResult{}, &netclient.Error{Kind: netclient.KindRateLimited, RetryAfter: 30 * time.Second}
	}

	sink := progress.New(context.Background())
	defer sink.Stop()

	co := New(zerolog.Nop(), fs, nc, fc, sink, nil, testConfig())

	// Three consecutive passes, each observing a 429 (spec.md §8 scenario 2).
	co.performPass(context.Background())
	require.Equal(t, StateRateLimited, co.Status().State)
	co.performPass(context.Background())
	co.performPass(context.Background())

	require.Equal(t, StateRateLimited, co.Status().State)
	require.True(t, co.breaker.IsTripped())
	require.GreaterOrEqual(t, co.Status().RetryUntil.Sub(fc.Now()), 30*time.Second)

	// A trigger while still within the backoff window makes no further
	// HTTP call: the circuit guard short-circuits before flush.
	before := atomic.LoadInt32(&calls)
	co.performPass(context.Background())
	require.Equal(t, before, atomic.LoadInt32(&calls))
}

func TestCoordinator_PartialBatchFailureQuarantinesValidationFailure(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	fs := fakestore.New()
	seedCreates(t, fs, fc, 3)

	nc := fakeclient.New()
	nc.CreateEventsBatchFunc = func(ctx context.Context, items []netclient.EventCreate) (models.BatchCreateResult, error) {
		res := models.BatchCreateResult{Items: make([]models.BatchCreateItem, len(items))}
		for i, it := range items {
			if i == 1 {
				res.Items[i] = models.BatchCreateItem{Status: "validation_failed", ID: it.Event.ID, Error: "timestamp"}
				res.Failed++
				continue
			}
			res.Items[i] = models.BatchCreateItem{Status: "ok", ID: it.Event.ID}
			res.Success++
		}
		return res, nil
	}

	sink := progress.New(context.Background())
	defer sink.Stop()

	co := New(zerolog.Nop(), fs, nc, fc, sink, nil, testConfig())
	co.performPass(context.Background())

	n, err := fs.CountPendingMutations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "both the successes and the quarantined validation failure are removed from the queue")
}

func TestCoordinator_DuplicateIdempotencyReplayTreatedAsSuccess(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	fs := fakestore.New()
	seedCreates(t, fs, fc, 1)

	nc := fakeclient.New()
	nc.CreateEventsBatchFunc = func(ctx context.Context, items []netclient.EventCreate) (models.BatchCreateResult, error) {
		res := models.BatchCreateResult{Items: make([]models.BatchCreateItem, len(items))}
		for i, it := range items {
			res.Items[i] = models.BatchCreateItem{Status: "conflict_ignored", ID: it.Event.ID, ServerID: "server-" + it.Event.ID}
		}
		return res, nil
	}

	sink := progress.New(context.Background())
	defer sink.Stop()

	co := New(zerolog.Nop(), fs, nc, fc, sink, nil, testConfig())
	co.performPass(context.Background())

	n, err := fs.CountPendingMutations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCoordinator_TriggerCoalescesBurstsIntoOneRerun(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	fs := fakestore.New()
	nc := fakeclient.New()

	var passes int32
	release := make(chan struct{})
	nc.PullChangesFunc = func(ctx context.Context, since int64, limit int) (models.Page, error) {
		n := atomic.AddInt32(&passes, 1)
		if n == 1 {
			<-release // hold the first pass open so the bursts below coalesce
		}
		return models.Page{HasMore: false, NextCursor: since}, nil
	}

	sink := progress.New(context.Background())
	defer sink.Stop()

	co := New(zerolog.Nop(), fs, nc, fc, sink, nil, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	co.Start(ctx)
	defer co.Stop()

	co.Trigger("initial")
	time.Sleep(20 * time.Millisecond) // let the first pass block inside PullChanges

	co.Trigger("burst-1")
	co.Trigger("burst-2")
	co.Trigger("burst-3")

	close(release)
	time.Sleep(50 * time.Millisecond)

	// Exactly one rerun should have been coalesced from the three bursts,
	// for a total of two passes (P1: never concurrent, never more than one
	// extra rerun per burst).
	require.Equal(t, int32(2), atomic.LoadInt32(&passes))
}

func TestCoordinator_BootstrapColdStartSetsCursorToLatestHead(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	fs := fakestore.New()
	nc := fakeclient.New()
	nc.LatestCursorFunc = func(ctx context.Context) (int64, error) { return 4242, nil }
	nc.FetchEntityPageFunc = func(ctx context.Context, entity models.EntityKind, offset, limit int) ([]any, bool, error) {
		return nil, false, nil
	}

	sink := progress.New(context.Background())
	defer sink.Stop()

	co := New(zerolog.Nop(), fs, nc, fc, sink, nil, testConfig())
	co.performPass(context.Background())

	cursor, err := fs.LoadCursor(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4242), cursor.Value)
}
