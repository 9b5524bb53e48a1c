package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/netclient/fakeclient"
	"github.com/daylogapp/daylog-sync/internal/store/fakestore"
)

// fixedPages returns a FetchEntityPageFunc serving exactly the given items
// as a single page at offset 0, regardless of limit (later offsets and
// repeat calls get an empty page) — enough to
// exercise fetchEntity's apply path without simulating true pagination.
// fetchWave calls it from concurrent goroutines, so access to served is
// mutex-guarded.
func fixedPages(items map[models.EntityKind][]any) func(ctx context.Context, entity models.EntityKind, offset, limit int) ([]any, bool, error) {
	var mu sync.Mutex
	served := map[models.EntityKind]bool{}
	return func(ctx context.Context, entity models.EntityKind, offset, limit int) ([]any, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if offset > 0 || served[entity] {
			return nil, false, nil
		}
		served[entity] = true
		return items[entity], false, nil
	}
}

func TestFetcher_Run_FetchesInFixedEntityOrder(t *testing.T) {
	// Scenario 5 from spec.md §8.
	fs := fakestore.New()
	nc := fakeclient.New()
	nc.FetchEntityPageFunc = fixedPages(map[models.EntityKind][]any{
		models.EntityEventType:   {models.EventType{ID: "et-1"}, models.EventType{ID: "et-2"}},
		models.EntityGeofence:    {},
		models.EntityEvent:       makeEvents(37),
		models.EntityPropertyDef: {models.PropertyDefinition{ID: "pd-1"}, models.PropertyDefinition{ID: "pd-2"}, models.PropertyDefinition{ID: "pd-3"}, models.PropertyDefinition{ID: "pd-4"}},
	})

	f := New(nc, fs, zerolog.Nop())
	counts, resync, err := f.Run(context.Background())
	require.NoError(t, err)
	require.False(t, resync)
	require.Equal(t, models.BootstrapCounts{EventTypes: 2, Geofences: 0, Events: 37, PropertyDefs: 4}, counts)

	n, err := fs.FetchCount(context.Background(), models.EntityEvent)
	require.NoError(t, err)
	require.Equal(t, 37, n)
}

func TestFetcher_Run_NuclearCleanupWhenCursorAbsentButStoreNonEmpty(t *testing.T) {
	fs := fakestore.New()
	tx, err := fs.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.UpsertEventType(models.EventType{ID: "stale"}))
	require.NoError(t, tx.Commit())

	nc := fakeclient.New()
	nc.FetchEntityPageFunc = fixedPages(map[models.EntityKind][]any{})

	f := New(nc, fs, zerolog.Nop())
	_, resync, err := f.Run(context.Background())
	require.NoError(t, err)
	require.True(t, resync)

	n, err := fs.FetchCount(context.Background(), models.EntityEventType)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func makeEvents(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = models.Event{ID: fmt.Sprintf("evt-%d", i)}
	}
	return out
}
