package fakestore

import (
	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/store"
)

// tx mutates snapshot copies of Store's maps while holding Store.mu
// (acquired by BeginTx); Commit publishes the copies back, Rollback
// discards them, giving real atomicity for cancelled passes (P7).
type tx struct {
	s    *Store
	done bool

	events       map[string]models.Event
	eventTypes   map[string]models.EventType
	geofences    map[string]models.Geofence
	propertyDefs map[string]models.PropertyDefinition
	pending      map[string]models.PendingMutation
	cursor       models.SyncCursor
}

func (t *tx) UpsertEvent(e models.Event) error {
	t.events[e.ID] = e
	return nil
}

func (t *tx) UpsertEventType(et models.EventType) error {
	t.eventTypes[et.ID] = et
	return nil
}

func (t *tx) UpsertGeofence(g models.Geofence) error {
	t.geofences[g.ID] = g
	return nil
}

func (t *tx) UpsertPropertyDef(p models.PropertyDefinition) error {
	t.propertyDefs[p.ID] = p
	return nil
}

func (t *tx) GetEvent(id string) (models.Event, error) {
	e, ok := t.events[id]
	if !ok {
		return models.Event{}, store.ErrNotFound
	}
	return e, nil
}

func (t *tx) DeleteByID(entity models.EntityKind, id string, hard bool) error {
	switch entity {
	case models.EntityEvent:
		if hard {
			delete(t.events, id)
			return nil
		}
		e, ok := t.events[id]
		if !ok {
			return nil
		}
		e.Deleted = true
		e.Dirty = false
		t.events[id] = e
	case models.EntityEventType:
		delete(t.eventTypes, id)
	case models.EntityGeofence:
		delete(t.geofences, id)
	case models.EntityPropertyDef:
		delete(t.propertyDefs, id)
	}
	return nil
}

func (t *tx) DeleteAll() error {
	t.events = map[string]models.Event{}
	t.eventTypes = map[string]models.EventType{}
	t.geofences = map[string]models.Geofence{}
	t.propertyDefs = map[string]models.PropertyDefinition{}
	t.pending = map[string]models.PendingMutation{}
	t.cursor = models.SyncCursor{}
	return nil
}

func (t *tx) EnqueuePending(m models.PendingMutation) error {
	var existingID string
	var existing models.PendingMutation
	for id, cand := range t.pending {
		if cand.Entity == m.Entity && cand.TargetID == m.TargetID {
			existingID = id
			existing = cand
			break
		}
	}

	if existingID == "" {
		t.pending[m.ID] = m
		return nil
	}

	if existing.Kind == models.MutationCreate && m.Kind == models.MutationDelete {
		delete(t.pending, existingID)
		return nil
	}

	merged := m
	merged.ID = existing.ID
	if existing.CreatedTS.Before(m.CreatedTS) {
		merged.CreatedTS = existing.CreatedTS
	}
	if existing.Kind == models.MutationCreate {
		merged.Kind = models.MutationCreate
	}
	t.pending[existing.ID] = merged
	return nil
}

func (t *tx) RemovePending(id string) error {
	delete(t.pending, id)
	return nil
}

func (t *tx) IncrementAttempt(id string) (int, error) {
	m, ok := t.pending[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	m.Attempts++
	t.pending[id] = m
	return m.Attempts, nil
}

func (t *tx) StoreCursor(c models.SyncCursor) error {
	t.cursor = c
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.events = t.events
	t.s.eventTypes = t.eventTypes
	t.s.geofences = t.geofences
	t.s.propertyDefs = t.propertyDefs
	t.s.pending = t.pending
	t.s.cursor = t.cursor
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}
