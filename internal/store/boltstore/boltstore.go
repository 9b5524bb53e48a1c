// Package boltstore implements the store.DataStore contract on top of
// go.etcd.io/bbolt, generalizing the teacher's single-bucket checkpoint
// database into one bucket per entity kind plus pending_mutations, meta
// (holding the sync_cursor key) and sync_history.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/store"
)

const (
	bucketEvents       = "events"
	bucketEventTypes   = "event_types"
	bucketGeofences    = "geofences"
	bucketPropertyDefs = "property_defs"
	bucketPending      = "pending_mutations"
	bucketMeta         = "meta"
	bucketHistory      = "sync_history"

	metaCursorKey  = "sync_cursor"
	historyRingCap = 10
)

var allBuckets = []string{
	bucketEvents, bucketEventTypes, bucketGeofences, bucketPropertyDefs,
	bucketPending, bucketMeta, bucketHistory,
}

// Store is a bbolt-backed store.DataStore.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) a bbolt database at path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	btx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("boltstore: begin tx: %w", err)
	}
	return &tx{btx: btx}, nil
}

func (s *Store) LoadCursor(ctx context.Context) (models.SyncCursor, error) {
	var cur models.SyncCursor
	err := s.db.View(func(btx *bbolt.Tx) error {
		data := btx.Bucket([]byte(bucketMeta)).Get([]byte(metaCursorKey))
		if data == nil {
			return nil // zero value: fresh install
		}
		return json.Unmarshal(data, &cur)
	})
	if err != nil {
		return models.SyncCursor{}, fmt.Errorf("boltstore: load cursor: %w", err)
	}
	return cur, nil
}

func (s *Store) ListPendingMutations(ctx context.Context, limit int) ([]models.PendingMutation, error) {
	var out []models.PendingMutation
	err := s.db.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket([]byte(bucketPending))
		return b.ForEach(func(k, v []byte) error {
			var m models.PendingMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: list pending: %w", err)
	}

	sortPending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountPendingMutations(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(btx *bbolt.Tx) error {
		n = btx.Bucket([]byte(bucketPending)).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *Store) AppendHistory(ctx context.Context, entry models.SyncHistoryEntry) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket([]byte(bucketHistory))
		entries, err := readHistory(b)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		if len(entries) > historyRingCap {
			entries = entries[len(entries)-historyRingCap:]
		}
		return writeHistory(b, entries)
	})
}

func (s *Store) History(ctx context.Context) ([]models.SyncHistoryEntry, error) {
	var entries []models.SyncHistoryEntry
	err := s.db.View(func(btx *bbolt.Tx) error {
		var err error
		entries, err = readHistory(btx.Bucket([]byte(bucketHistory)))
		return err
	})
	if err != nil {
		return nil, err
	}
	// Most recent first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Store) FetchCount(ctx context.Context, entity models.EntityKind) (int, error) {
	bucket, err := bucketFor(entity)
	if err != nil {
		return 0, err
	}
	n := 0
	err = s.db.View(func(btx *bbolt.Tx) error {
		n = btx.Bucket([]byte(bucket)).Stats().KeyN
		return nil
	})
	return n, err
}

const historyKey = "ring"

func readHistory(b *bbolt.Bucket) ([]models.SyncHistoryEntry, error) {
	data := b.Get([]byte(historyKey))
	if data == nil {
		return nil, nil
	}
	var entries []models.SyncHistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeHistory(b *bbolt.Bucket, entries []models.SyncHistoryEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return b.Put([]byte(historyKey), data)
}

func bucketFor(entity models.EntityKind) (string, error) {
	switch entity {
	case models.EntityEvent:
		return bucketEvents, nil
	case models.EntityEventType:
		return bucketEventTypes, nil
	case models.EntityGeofence:
		return bucketGeofences, nil
	case models.EntityPropertyDef:
		return bucketPropertyDefs, nil
	default:
		return "", fmt.Errorf("boltstore: unknown entity kind %q", entity)
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
	// Insertion sort: pending queues stay small, so O(n^2) here keeps the
	// comparator easy to read.
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
