// Package bootstrap implements the first-time full-dataset download
// (spec.md §4.4). Its bounded parallel page fetch generalizes the teacher's
// processBatch worker pool (internal/syncer/syncer.go:processBatch) from
// disjoint block ranges processed by N workers to disjoint entity-page
// ranges fetched by up to 4 concurrent workers, with the caller enforcing
// entity order on apply regardless of which fetch finishes first.
package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/netclient"
	"github.com/daylogapp/daylog-sync/internal/store"
)

// MaxConcurrentPages bounds the parallel page fetch (spec.md §5).
const MaxConcurrentPages = 4

// PageSize is the page size used for every bootstrap listing fetch.
const PageSize = 100

// entityOrder is fixed: PropertyDefinitions depend on EventTypes; Events
// may reference EventTypes and Geofences (spec.md §4.4).
var entityOrder = []models.EntityKind{
	models.EntityEventType,
	models.EntityGeofence,
	models.EntityEvent,
	models.EntityPropertyDef,
}

// Fetcher performs the cold-start full-dataset download.
type Fetcher struct {
	client netclient.Client
	store  store.DataStore
	logger zerolog.Logger
}

// New creates a Fetcher.
func New(client netclient.Client, s store.DataStore, logger zerolog.Logger) *Fetcher {
	return &Fetcher{client: client, store: s, logger: logger.With().Str("component", "bootstrap").Logger()}
}

// Run performs the nuclear-cleanup precondition (if the store is non-empty
// but the cursor is absent), fetches every entity in entityOrder, and returns
// the per-entity BootstrapCounts along with whether the cleanup ran.
func (f *Fetcher) Run(ctx context.Context) (models.BootstrapCounts, bool, error) {
	postMigrationResync, err := f.enforceCleanSlate(ctx)
	if err != nil {
		return models.BootstrapCounts{}, false, fmt.Errorf("bootstrap: cleanup precondition: %w", err)
	}

	var counts models.BootstrapCounts
	for _, entity := range entityOrder {
		n, err := f.fetchEntity(ctx, entity)
		if err != nil {
			return models.BootstrapCounts{}, postMigrationResync, fmt.Errorf("bootstrap: fetch %s: %w", entity, err)
		}
		assignCount(&counts, entity, n)
		f.logger.Info().Str("entity", string(entity)).Int("count", n).Msg("bootstrap entity complete")
	}

	return counts, postMigrationResync, nil
}

func assignCount(counts *models.BootstrapCounts, entity models.EntityKind, n int) {
	switch entity {
	case models.EntityEventType:
		counts.EventTypes = n
	case models.EntityGeofence:
		counts.Geofences = n
	case models.EntityEvent:
		counts.Events = n
	case models.EntityPropertyDef:
		counts.PropertyDefs = n
	}
}

// enforceCleanSlate detects a reset schema (non-empty store, absent cursor)
// and performs a transactional delete-all before fetch, per spec.md §4.4.
func (f *Fetcher) enforceCleanSlate(ctx context.Context) (bool, error) {
	cursor, err := f.store.LoadCursor(ctx)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}
	if cursor.Value != 0 {
		return false, nil
	}

	anyRows := false
	for _, entity := range entityOrder {
		count, err := f.store.FetchCount(ctx, entity)
		if err != nil {
			return false, fmt.Errorf("fetch count %s: %w", entity, err)
		}
		if count > 0 {
			anyRows = true
			break
		}
	}
	if !anyRows {
		return false, nil
	}

	f.logger.Warn().Msg("non-empty store with absent cursor detected, performing nuclear cleanup before bootstrap")
	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("begin cleanup tx: %w", err)
	}
	if err := tx.DeleteAll(); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete all: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cleanup: %w", err)
	}
	return true, nil
}

// pageResult is one fetched page, tagged with its offset so the caller can
// apply pages in ascending offset order even though fetches complete out of
// order.
type pageResult struct {
	offset int
	items  []any
	err    error
}

// fetchEntity pages one entity with up to MaxConcurrentPages fetches in
// flight, applying each page's items in ascending-offset order once
// available — the worker pool splits disjoint offset ranges across workers
// the way the teacher's processBatch splits disjoint block ranges, but here
// the ranges are discovered incrementally (has_more) rather than known
// up-front, so workers are launched in waves of MaxConcurrentPages.
func (f *Fetcher) fetchEntity(ctx context.Context, entity models.EntityKind) (int, error) {
	total := 0
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		wave, hasMoreAfterWave, err := f.fetchWave(ctx, entity, offset)
		if err != nil {
			return total, err
		}

		for _, page := range wave {
			n, err := f.applyPage(ctx, entity, page.items)
			if err != nil {
				return total, err
			}
			total += n
		}
		offset += len(wave) * PageSize

		if !hasMoreAfterWave {
			break
		}
	}

	return total, nil
}

// fetchWave fetches up to MaxConcurrentPages consecutive pages starting at
// startOffset concurrently, returning them in offset order along with
// whether the last page in the wave reported more data.
func (f *Fetcher) fetchWave(ctx context.Context, entity models.EntityKind, startOffset int) ([]pageResult, bool, error) {
	results := make([]pageResult, MaxConcurrentPages)
	hasMore := make([]bool, MaxConcurrentPages)

	var wg sync.WaitGroup
	for i := 0; i < MaxConcurrentPages; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			items, more, err := f.client.FetchEntityPage(ctx, entity, startOffset+slot*PageSize, PageSize)
			results[slot] = pageResult{offset: startOffset + slot*PageSize, items: items, err: err}
			hasMore[slot] = more
		}(i)
	}
	wg.Wait()

	var applicable []pageResult
	continueFetching := true
	for i, r := range results {
		if r.err != nil {
			return nil, false, fmt.Errorf("fetch page at offset %d: %w", r.offset, r.err)
		}
		applicable = append(applicable, r)
		if !hasMore[i] {
			continueFetching = false
			break
		}
	}
	return applicable, continueFetching, nil
}

func (f *Fetcher) applyPage(ctx context.Context, entity models.EntityKind, items []any) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}

	for _, item := range items {
		if err := upsertItem(tx, entity, item); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit page: %w", err)
	}
	return len(items), nil
}

func upsertItem(tx store.Tx, entity models.EntityKind, item any) error {
	switch entity {
	case models.EntityEventType:
		return decodeAndApply(item, tx.UpsertEventType)
	case models.EntityGeofence:
		return decodeAndApply(item, tx.UpsertGeofence)
	case models.EntityEvent:
		return decodeAndApply(item, tx.UpsertEvent)
	case models.EntityPropertyDef:
		return decodeAndApply(item, tx.UpsertPropertyDef)
	default:
		return fmt.Errorf("bootstrap: unknown entity %q", entity)
	}
}
