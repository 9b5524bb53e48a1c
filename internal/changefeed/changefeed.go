// changefeed.go is the pull loop itself (spec.md §4.3): page through the
// server change-log from the durable cursor, applying each page inside its
// own transaction so a cancelled pass leaves the cursor at its last
// committed value (P7).
package changefeed

import (
	"context"
	"fmt"

	"github.com/daylogapp/daylog-sync/internal/clock"
	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/netclient"
	"github.com/daylogapp/daylog-sync/internal/store"
)

// MaxPagesPerSync is spec.md §6's max_pages_per_sync safety cap default.
const MaxPagesPerSync = 20

// Result summarizes one Pull invocation for the coordinator to report and
// for ProgressSink to render as Pulling/Success counters.
type Result struct {
	PagesApplied   int
	ChangesApplied int
	FinalCursor    int64
	HitSafetyCap   bool
}

// Feed drives the pull loop against a NetworkClient and a DataStore.
type Feed struct {
	client     netclient.Client
	store      store.DataStore
	dispatcher *Dispatcher
	clock      clock.Clock
	pageLimit  int
	maxPages   int
}

// New creates a Feed. pageLimit and maxPages fall back to the spec.md §6
// defaults when zero.
func New(client netclient.Client, s store.DataStore, dispatcher *Dispatcher, c clock.Clock, pageLimit, maxPages int) *Feed {
	if pageLimit <= 0 {
		pageLimit = 500
	}
	if maxPages <= 0 {
		maxPages = MaxPagesPerSync
	}
	return &Feed{client: client, store: s, dispatcher: dispatcher, clock: c, pageLimit: pageLimit, maxPages: maxPages}
}

// Pull loops GET /changes?since=cursor&limit=pageLimit until has_more=false
// or the safety cap is hit, applying each page inside its own transaction.
func (f *Feed) Pull(ctx context.Context, startCursor int64) (Result, error) {
	var result Result
	cursor := startCursor

	for result.PagesApplied < f.maxPages {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		page, err := f.client.PullChanges(ctx, cursor, f.pageLimit)
		if err != nil {
			return result, fmt.Errorf("changefeed: pull page at cursor %d: %w", cursor, err)
		}

		if err := f.applyPage(ctx, page); err != nil {
			return result, fmt.Errorf("changefeed: apply page at cursor %d: %w", cursor, err)
		}

		cursor = page.NextCursor
		result.PagesApplied++
		result.ChangesApplied += len(page.Changes)
		result.FinalCursor = cursor

		if !page.HasMore {
			return result, nil
		}
	}

	result.HitSafetyCap = true
	return result, nil
}

// applyPage applies every change in a page within one transaction and only
// advances the durable cursor on commit (I3, P2, P7). Tombstones take
// precedence over same-id inserts from earlier pages because changes within
// and across pages are applied strictly in arrival order and a later
// change_id always supersedes an earlier one for the same id (spec.md §4.3).
func (f *Feed) applyPage(ctx context.Context, page models.Page) error {
	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	for _, change := range page.Changes {
		if err := f.dispatcher.Apply(tx, change); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply change %s/%s: %w", change.Entity, change.ID, err)
		}
	}

	if err := tx.StoreCursor(models.SyncCursor{Value: page.NextCursor, LastUpdated: f.clock.Now()}); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit page: %w", err)
	}
	return nil
}

// NeedsBootstrap reports whether this is the first-ever sync (empty
// cursor), per spec.md §4.3's bootstrap pre-step.
func NeedsBootstrap(cursor models.SyncCursor) bool {
	return cursor.Value == 0
}
