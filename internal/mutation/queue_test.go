package mutation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daylogapp/daylog-sync/internal/clock"
	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/store/fakestore"
)

func TestQueue_EnqueueCreate_DerivesIdempotencyKey(t *testing.T) {
	fs := fakestore.New()
	fc := clock.NewFake(time.Unix(1700000000, 0))
	q := New(fs, fc, 0)

	tx, err := fs.BeginTx(context.Background())
	require.NoError(t, err)

	m, err := q.EnqueueCreate(context.Background(), tx, models.EntityEvent, "evt-1", map[string]any{"notes": "run"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NotEmpty(t, m.IdempotencyKey)
	require.Len(t, m.IdempotencyKey, 32)
	require.Equal(t, models.MutationCreate, m.Kind)

	pending, err := fs.ListPendingMutations(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, m.IdempotencyKey, pending[0].IdempotencyKey)
}

func TestQueue_CreateThenDelete_Collapses(t *testing.T) {
	// I2: a delete that arrives for a target still awaiting an unsent
	// create should cancel the create outright rather than queue a delete
	// for something the server has never seen.
	fs := fakestore.New()
	fc := clock.NewFake(time.Unix(1700000000, 0))
	q := New(fs, fc, 0)

	tx, err := fs.BeginTx(context.Background())
	require.NoError(t, err)
	_, err = q.EnqueueCreate(context.Background(), tx, models.EntityEvent, "evt-1", nil)
	require.NoError(t, err)
	_, err = q.EnqueueDelete(context.Background(), tx, models.EntityEvent, "evt-1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	count, err := fs.CountPendingMutations(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestQueue_UpdateCoalescesToLatestPayload(t *testing.T) {
	// I1: two updates to the same target collapse into one pending entry
	// carrying the newest payload but the earliest created_ts.
	fs := fakestore.New()
	fc := clock.NewFake(time.Unix(1700000000, 0))
	q := New(fs, fc, 0)

	tx, err := fs.BeginTx(context.Background())
	require.NoError(t, err)
	first, err := q.EnqueueUpdate(context.Background(), tx, models.EntityEvent, "evt-1", map[string]any{"notes": "v1"})
	require.NoError(t, err)

	fc.Advance(time.Minute)
	_, err = q.EnqueueUpdate(context.Background(), tx, models.EntityEvent, "evt-1", map[string]any{"notes": "v2"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	pending, err := fs.ListPendingMutations(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, map[string]any{"notes": "v2"}, pending[0].Payload)
	require.True(t, pending[0].CreatedTS.Equal(first.CreatedTS))
}

func TestQueue_NextBatches_GroupsEventCreatesSeparately(t *testing.T) {
	fs := fakestore.New()
	fc := clock.NewFake(time.Unix(1700000000, 0))
	q := New(fs, fc, 2)

	tx, err := fs.BeginTx(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.EnqueueCreate(context.Background(), tx, models.EntityEvent, "evt-"+string(rune('a'+i)), nil)
		require.NoError(t, err)
	}
	_, err = q.EnqueueUpdate(context.Background(), tx, models.EntityGeofence, "geo-1", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	batches, err := q.NextBatches(context.Background())
	require.NoError(t, err)

	var totalCreates int
	var singles int
	for _, b := range batches {
		if len(b.EventCreates) > 0 {
			require.LessOrEqual(t, len(b.EventCreates), 2)
			totalCreates += len(b.EventCreates)
		}
		if b.Single != nil {
			singles++
		}
	}
	require.Equal(t, 3, totalCreates)
	require.Equal(t, 1, singles)
}

func TestQueue_RecordFailure_ExhaustsAtMaxAttempts(t *testing.T) {
	fs := fakestore.New()
	fc := clock.NewFake(time.Unix(1700000000, 0))
	q := New(fs, fc, 0)

	tx, err := fs.BeginTx(context.Background())
	require.NoError(t, err)
	m, err := q.EnqueueUpdate(context.Background(), tx, models.EntityGeofence, "geo-1", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	for i := 0; i < MaxAttempts-1; i++ {
		tx, err := fs.BeginTx(context.Background())
		require.NoError(t, err)
		exhausted, err := q.RecordFailure(context.Background(), tx, m.ID)
		require.NoError(t, err)
		require.False(t, exhausted)
		require.NoError(t, tx.Commit())
	}

	tx, err = fs.BeginTx(context.Background())
	require.NoError(t, err)
	exhausted, err := q.RecordFailure(context.Background(), tx, m.ID)
	require.NoError(t, err)
	require.True(t, exhausted)
	require.NoError(t, tx.Commit())
}
