// Package store defines the DataStore contract consumed (not implemented)
// by the sync engine per spec.md §4.8, along with the two realizations used
// in this repo: boltstore (bbolt-backed, for the CLI harness) and fakestore
// (in-memory, for tests).
package store

import (
	"context"
	"errors"

	"github.com/daylogapp/daylog-sync/internal/models"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// DataStore is the transactional local persistence contract. All operations
// are synchronous within a transaction; the coordinator never holds a Tx
// across a network call (spec.md §4.8, §5).
type DataStore interface {
	// BeginTx starts a transaction; the returned Tx must be committed or
	// rolled back by the caller.
	BeginTx(ctx context.Context) (Tx, error)

	// LoadCursor returns the persisted sync cursor, or the zero value if
	// none has ever been stored (fresh install).
	LoadCursor(ctx context.Context) (models.SyncCursor, error)

	// ListPendingMutations returns up to limit pending mutations ordered
	// per the MutationQueue's batching policy (creates, then updates, then
	// deletes; within a kind, by CreatedTS).
	ListPendingMutations(ctx context.Context, limit int) ([]models.PendingMutation, error)

	// CountPendingMutations returns the total number of queued mutations.
	CountPendingMutations(ctx context.Context) (int, error)

	// AppendHistory pushes one entry onto the 10-slot sync_history ring.
	AppendHistory(ctx context.Context, entry models.SyncHistoryEntry) error

	// History returns the ring buffer's entries, most recent first.
	History(ctx context.Context) ([]models.SyncHistoryEntry, error)

	// FetchCount returns the number of rows currently stored for an entity
	// kind (used by bootstrap progress and tests).
	FetchCount(ctx context.Context, entity models.EntityKind) (int, error)
}

// Tx is a single transactional unit of work against the store. All writes
// within a sync pass happen through a Tx so that a page, a batch result, or
// a bootstrap page is applied atomically.
type Tx interface {
	// UpsertEvent/UpsertEventType/UpsertGeofence/UpsertPropertyDef insert
	// or replace a row by id.
	UpsertEvent(e models.Event) error
	UpsertEventType(t models.EventType) error
	UpsertGeofence(g models.Geofence) error
	UpsertPropertyDef(p models.PropertyDefinition) error

	// GetEvent returns ErrNotFound if absent.
	GetEvent(id string) (models.Event, error)

	// DeleteByID soft-deletes (tombstones) or hard-deletes a row by id.
	DeleteByID(entity models.EntityKind, id string, hard bool) error

	// DeleteAll wipes every entity table. Used only by the bootstrap
	// nuclear-cleanup precondition.
	DeleteAll() error

	// EnqueuePending inserts or coalesces a PendingMutation (I1/I2).
	EnqueuePending(m models.PendingMutation) error

	// RemovePending removes a pending mutation after success or final
	// failure.
	RemovePending(id string) error

	// IncrementAttempt bumps a pending mutation's attempt counter and
	// returns the new count.
	IncrementAttempt(id string) (int, error)

	// StoreCursor advances the sync cursor. Callers must only invoke this
	// after the page that produced the cursor has been durably applied
	// within the same Tx (I3).
	StoreCursor(c models.SyncCursor) error

	Commit() error
	Rollback() error
}
