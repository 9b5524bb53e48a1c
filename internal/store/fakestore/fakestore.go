// Package fakestore is an in-memory store.DataStore used as a deterministic
// test double, standing in for the on-device embedded store in unit tests.
package fakestore

import (
	"context"
	"sync"

	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/store"
)

// Store is a mutex-guarded in-memory DataStore.
type Store struct {
	mu           sync.Mutex
	events       map[string]models.Event
	eventTypes   map[string]models.EventType
	geofences    map[string]models.Geofence
	propertyDefs map[string]models.PropertyDefinition
	pending      map[string]models.PendingMutation
	cursor       models.SyncCursor
	history      []models.SyncHistoryEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		events:       map[string]models.Event{},
		eventTypes:   map[string]models.EventType{},
		geofences:    map[string]models.Geofence{},
		propertyDefs: map[string]models.PropertyDefinition{},
		pending:      map[string]models.PendingMutation{},
	}
}

func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	// Snapshot-and-swap gives Rollback real atomicity (P7): the tx mutates
	// copies and only Commit publishes them back into the Store.
	return &tx{
		s:            s,
		events:       cloneMap(s.events),
		eventTypes:   cloneMap(s.eventTypes),
		geofences:    cloneMap(s.geofences),
		propertyDefs: cloneMap(s.propertyDefs),
		pending:      cloneMap(s.pending),
		cursor:       s.cursor,
	}, nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) LoadCursor(ctx context.Context) (models.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *Store) ListPendingMutations(ctx context.Context, limit int) ([]models.PendingMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.PendingMutation, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, m)
	}
	sortPending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountPendingMutations(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

func (s *Store) AppendHistory(ctx context.Context, entry models.SyncHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	if len(s.history) > 10 {
		s.history = s.history[len(s.history)-10:]
	}
	return nil
}

func (s *Store) History(ctx context.Context) ([]models.SyncHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SyncHistoryEntry, len(s.history))
	for i, j := 0, len(s.history)-1; j >= 0; i, j = i+1, j-1 {
		out[i] = s.history[j]
	}
	return out, nil
}

func (s *Store) FetchCount(ctx context.Context, entity models.EntityKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch entity {
	case models.EntityEvent:
		return len(s.events), nil
	case models.EntityEventType:
		return len(s.eventTypes), nil
	case models.EntityGeofence:
		return len(s.geofences), nil
	case models.EntityPropertyDef:
		return len(s.propertyDefs), nil
	default:
		return 0, nil
	}
}

func sortPending(ms []models.PendingMutation) {
	rank := func(k models.MutationKind) int {
		switch k {
		case models.MutationCreate:
			return 0
		case models.MutationUpdate:
			return 1
		default:
			return 2
		}
	}
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0; j-- {
			a, b := ms[j-1], ms[j]
			less := rank(a.Kind) < rank(b.Kind) ||
				(rank(a.Kind) == rank(b.Kind) && !a.CreatedTS.After(b.CreatedTS))
			if less {
				break
			}
			ms[j-1], ms[j] = ms[j], ms[j-1]
		}
	}
}
