package boltstore

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/store"
)

// tx wraps a writable *bbolt.Tx, implementing store.Tx.
type tx struct {
	btx *bbolt.Tx
}

func (t *tx) put(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("boltstore: marshal %s/%s: %w", bucket, key, err)
	}
	return t.btx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

func (t *tx) UpsertEvent(e models.Event) error {
	return t.put(bucketEvents, e.ID, e)
}

func (t *tx) UpsertEventType(et models.EventType) error {
	return t.put(bucketEventTypes, et.ID, et)
}

func (t *tx) UpsertGeofence(g models.Geofence) error {
	return t.put(bucketGeofences, g.ID, g)
}

func (t *tx) UpsertPropertyDef(p models.PropertyDefinition) error {
	return t.put(bucketPropertyDefs, p.ID, p)
}

func (t *tx) GetEvent(id string) (models.Event, error) {
	data := t.btx.Bucket([]byte(bucketEvents)).Get([]byte(id))
	if data == nil {
		return models.Event{}, store.ErrNotFound
	}
	var e models.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return models.Event{}, fmt.Errorf("boltstore: unmarshal event %s: %w", id, err)
	}
	return e, nil
}

func (t *tx) DeleteByID(entity models.EntityKind, id string, hard bool) error {
	bucket, err := bucketFor(entity)
	if err != nil {
		return err
	}
	b := t.btx.Bucket([]byte(bucket))

	if hard {
		return b.Delete([]byte(id))
	}

	// Soft delete: events carry their own Deleted tombstone flag so the
	// row survives for one sync round-trip (I4).
	if entity == models.EntityEvent {
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var e models.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		e.Deleted = true
		e.Dirty = false
		return t.put(bucketEvents, id, e)
	}
	return b.Delete([]byte(id))
}

func (t *tx) DeleteAll() error {
	for _, name := range []string{bucketEvents, bucketEventTypes, bucketGeofences, bucketPropertyDefs, bucketPending} {
		if err := t.btx.DeleteBucket([]byte(name)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		if _, err := t.btx.CreateBucket([]byte(name)); err != nil {
			return err
		}
	}
	return t.btx.Bucket([]byte(bucketMeta)).Delete([]byte(metaCursorKey))
}

func (t *tx) EnqueuePending(m models.PendingMutation) error {
	b := t.btx.Bucket([]byte(bucketPending))

	// Coalesce per I1/I2: scan for an existing open mutation against the
	// same (entity, target_id).
	var existingKey string
	var existing models.PendingMutation
	err := b.ForEach(func(k, v []byte) error {
		var cand models.PendingMutation
		if err := json.Unmarshal(v, &cand); err != nil {
			return err
		}
		if cand.Entity == m.Entity && cand.TargetID == m.TargetID {
			existingKey = string(k)
			existing = cand
		}
		return nil
	})
	if err != nil {
		return err
	}

	if existingKey == "" {
		return t.put(bucketPending, m.ID, m)
	}

	// I2: create followed by delete collapses to zero mutations.
	if existing.Kind == models.MutationCreate && m.Kind == models.MutationDelete {
		return b.Delete([]byte(existingKey))
	}

	// I1: coalesce, last-write-wins on payload, earliest created_ts kept.
	merged := m
	merged.ID = existing.ID
	if existing.CreatedTS.Before(m.CreatedTS) {
		merged.CreatedTS = existing.CreatedTS
	}
	if existing.Kind == models.MutationCreate {
		merged.Kind = models.MutationCreate
	}
	return t.put(bucketPending, existing.ID, merged)
}

func (t *tx) RemovePending(id string) error {
	return t.btx.Bucket([]byte(bucketPending)).Delete([]byte(id))
}

func (t *tx) IncrementAttempt(id string) (int, error) {
	b := t.btx.Bucket([]byte(bucketPending))
	data := b.Get([]byte(id))
	if data == nil {
		return 0, store.ErrNotFound
	}
	var m models.PendingMutation
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, err
	}
	m.Attempts++
	if err := t.put(bucketPending, id, m); err != nil {
		return 0, err
	}
	return m.Attempts, nil
}

func (t *tx) StoreCursor(c models.SyncCursor) error {
	return t.put(bucketMeta, metaCursorKey, c)
}

func (t *tx) Commit() error   { return t.btx.Commit() }
func (t *tx) Rollback() error { return t.btx.Rollback() }
