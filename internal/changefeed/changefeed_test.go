package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daylogapp/daylog-sync/internal/clock"
	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/netclient/fakeclient"
	"github.com/daylogapp/daylog-sync/internal/store/fakestore"
)

func TestFeed_Pull_StopsOnHasMoreFalse(t *testing.T) {
	fs := fakestore.New()
	nc := fakeclient.New()
	fc := clock.NewFake(time.Unix(0, 0))

	nc.PullChangesFunc = func(ctx context.Context, since int64, limit int) (models.Page, error) {
		return models.Page{
			Changes: []models.Change{
				{Op: models.ChangeInsert, Entity: models.EntityEventType, ID: "et-1", Payload: models.EventType{Name: "Run"}, ChangeID: since + 1},
			},
			NextCursor: since + 1,
			HasMore:    false,
		}, nil
	}

	feed := New(nc, fs, NewDispatcher(), fc, 0, 0)
	result, err := feed.Pull(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.PagesApplied)
	require.Equal(t, int64(1), result.FinalCursor)
	require.False(t, result.HitSafetyCap)

	cursor, err := fs.LoadCursor(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor.Value)
}

func TestFeed_Pull_HitsSafetyCap(t *testing.T) {
	fs := fakestore.New()
	nc := fakeclient.New()
	fc := clock.NewFake(time.Unix(0, 0))

	nc.PullChangesFunc = func(ctx context.Context, since int64, limit int) (models.Page, error) {
		return models.Page{NextCursor: since + 1, HasMore: true}, nil
	}

	feed := New(nc, fs, NewDispatcher(), fc, 0, 5)
	result, err := feed.Pull(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 5, result.PagesApplied)
	require.True(t, result.HitSafetyCap)
}

func TestFeed_NewerInsertAfterTombstoneWins(t *testing.T) {
	// Scenario 4 from spec.md §8: a delete followed (within or across
	// pages) by an insert with a newer change_id must leave the store with
	// the later state — the re-insert wins because it is applied after the
	// delete, matching server-guaranteed monotonic change_id ordering.
	fs := fakestore.New()
	nc := fakeclient.New()
	fc := clock.NewFake(time.Unix(0, 0))

	tx, err := fs.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.UpsertEvent(models.Event{ID: "evt-x", Notes: "stale"}))
	require.NoError(t, tx.Commit())

	nc.PullChangesFunc = func(ctx context.Context, since int64, limit int) (models.Page, error) {
		return models.Page{
			Changes: []models.Change{
				{Op: models.ChangeDelete, Entity: models.EntityEvent, ID: "evt-x", ChangeID: since + 1},
				{Op: models.ChangeInsert, Entity: models.EntityEvent, ID: "evt-x", Payload: models.Event{Notes: "fresh"}, ChangeID: since + 2},
			},
			NextCursor: since + 2,
			HasMore:    false,
		}, nil
	}

	feed := New(nc, fs, NewDispatcher(), fc, 0, 0)
	_, err = feed.Pull(context.Background(), 0)
	require.NoError(t, err)

	tx, err = fs.BeginTx(context.Background())
	require.NoError(t, err)
	ev, err := tx.GetEvent("evt-x")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	require.False(t, ev.Deleted)
	require.Equal(t, "fresh", ev.Notes)
}

func TestNeedsBootstrap(t *testing.T) {
	require.True(t, NeedsBootstrap(models.SyncCursor{Value: 0}))
	require.False(t, NeedsBootstrap(models.SyncCursor{Value: 42}))
}
