// Package mutation implements the local mutation queue: enqueue/coalesce
// (I1/I2), the create-batch vs. individual-apply policy, and idempotency-key
// derivation. It is a thin policy layer over store.DataStore — the store
// itself already applies the I1/I2 coalescing rule at EnqueuePending time
// (see store/boltstore and store/fakestore); Queue adds the batch-drain
// shape the coordinator drives each pass.
package mutation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/daylogapp/daylog-sync/internal/clock"
	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/store"
)

// DefaultBatchSize is spec.md §6's batch_size default.
const DefaultBatchSize = 50

// MaxAttempts is spec.md §6's mutation_max_attempts default; a mutation
// stuck at this many failed attempts is dropped and reported as an
// exhausted error on the progress sink rather than retried forever.
const MaxAttempts = 5

// Queue wraps a store.DataStore with the enqueue/drain policy spec.md §4.2
// and §3 (I1, I2, I6) describe.
type Queue struct {
	store     store.DataStore
	clock     clock.Clock
	batchSize int
}

// New creates a Queue with the given batch size (DefaultBatchSize if 0).
func New(s store.DataStore, c clock.Clock, batchSize int) *Queue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Queue{store: s, clock: c, batchSize: batchSize}
}

// EnqueueCreate stages a new-entity creation. It gives the pending mutation
// a UUIDv7 id (spec.md §3), uses targetID as the entity's id unchanged,
// derives the idempotency key,
// and lets the store's EnqueuePending coalesce it against any existing
// pending entry for the same target (I1/I2).
func (q *Queue) EnqueueCreate(ctx context.Context, tx store.Tx, entity models.EntityKind, targetID string, payload any) (models.PendingMutation, error) {
	return q.enqueue(ctx, tx, models.MutationCreate, entity, targetID, payload)
}

// EnqueueUpdate stages a mutation to an existing entity.
func (q *Queue) EnqueueUpdate(ctx context.Context, tx store.Tx, entity models.EntityKind, targetID string, payload any) (models.PendingMutation, error) {
	return q.enqueue(ctx, tx, models.MutationUpdate, entity, targetID, payload)
}

// EnqueueDelete stages a deletion. If an open create for the same target is
// still pending, the store's coalescing (I2) collapses the pair to nothing.
func (q *Queue) EnqueueDelete(ctx context.Context, tx store.Tx, entity models.EntityKind, targetID string) (models.PendingMutation, error) {
	return q.enqueue(ctx, tx, models.MutationDelete, entity, targetID, nil)
}

func (q *Queue) enqueue(ctx context.Context, tx store.Tx, kind models.MutationKind, entity models.EntityKind, targetID string, payload any) (models.PendingMutation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.PendingMutation{}, fmt.Errorf("mutation: generate id: %w", err)
	}
	now := q.clock.Now()
	m := models.PendingMutation{
		ID:             id.String(),
		Kind:           kind,
		Entity:         entity,
		TargetID:       targetID,
		Payload:        payload,
		CreatedTS:      now,
		IdempotencyKey: IdempotencyKey(targetID, now.UnixNano()),
	}
	if err := tx.EnqueuePending(m); err != nil {
		return models.PendingMutation{}, fmt.Errorf("mutation: enqueue: %w", err)
	}
	return m, nil
}

// IdempotencyKey derives the stable key named in spec.md §3's I6 and §4.2:
// sha256(target_id || created_ts), hex-encoded and truncated to 32 chars —
// short enough to be a practical header value, long enough that collision
// is not a practical concern at this entity count, grounded in the
// teacher's `msgID := txHash + "-" + logIndex` dedup key.
func IdempotencyKey(targetID string, createdTSNano int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", targetID, createdTSNano)))
	return hex.EncodeToString(h[:])[:32]
}

// Batch is one drainable unit of work: either a batch of event creates (up
// to Queue.batchSize) or a single non-batchable mutation (update, delete, or
// a create for a non-event entity — spec.md §4.2 batches only event
// creates).
type Batch struct {
	EventCreates []models.PendingMutation // empty unless this batch is a create batch
	Single       *models.PendingMutation  // set when this batch is a lone mutation
}

// NextBatches partitions the pending queue (already ordered
// creates→updates→deletes, then created_ts, by the store) into drainable
// units: consecutive event creates are grouped up to batchSize, everything
// else drains one at a time.
func (q *Queue) NextBatches(ctx context.Context) ([]Batch, error) {
	pending, err := q.store.ListPendingMutations(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("mutation: list pending: %w", err)
	}

	var batches []Batch
	var creates []models.PendingMutation
	flush := func() {
		for len(creates) > 0 {
			n := q.batchSize
			if n > len(creates) {
				n = len(creates)
			}
			batches = append(batches, Batch{EventCreates: creates[:n]})
			creates = creates[n:]
		}
	}

	for _, m := range pending {
		if m.Kind == models.MutationCreate && m.Entity == models.EntityEvent {
			creates = append(creates, m)
			continue
		}
		flush()
		mm := m
		batches = append(batches, Batch{Single: &mm})
	}
	flush()

	return batches, nil
}

// RecordFailure increments the mutation's attempt counter and reports
// whether it has now exhausted mutation_max_attempts and should be dropped
// rather than retried again next pass.
func (q *Queue) RecordFailure(ctx context.Context, tx store.Tx, id string) (exhausted bool, err error) {
	attempts, err := tx.IncrementAttempt(id)
	if err != nil {
		return false, fmt.Errorf("mutation: increment attempt: %w", err)
	}
	return attempts >= MaxAttempts, nil
}
