package coordinator

import (
	"sync"
	"time"

	"github.com/daylogapp/daylog-sync/internal/clock"
)

// ReplayBuffer is the bounded background-launch replay queue named in
// spec.md §5 and §9's design notes: the host may observe events (a local
// write, a push notification) before the Coordinator has been constructed.
// Construct one early in the host's lifecycle, Push onto it as events
// arrive, and hand it to New/Start so the coordinator drains it once it
// exists — stale entries (older than maxAge) are dropped rather than
// replayed, fresh ones replay in arrival order.
type ReplayBuffer struct {
	mu      sync.Mutex
	clock   clock.Clock
	maxAge  time.Duration
	entries []replayEntry
}

type replayEntry struct {
	reason string
	at     time.Time
}

// NewReplayBuffer creates an empty buffer evicting entries older than
// maxAge.
func NewReplayBuffer(c clock.Clock, maxAge time.Duration) *ReplayBuffer {
	return &ReplayBuffer{clock: c, maxAge: maxAge}
}

// Push records a reason at the current clock time, evicting anything that
// has aged past maxAge.
func (b *ReplayBuffer) Push(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.entries = append(b.entries, replayEntry{reason: reason, at: now})
	b.evictLocked(now)
}

func (b *ReplayBuffer) evictLocked(now time.Time) {
	cutoff := now.Add(-b.maxAge)
	i := 0
	for i < len(b.entries) && b.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = append([]replayEntry(nil), b.entries[i:]...)
	}
}

// DrainInto evicts anything stale as of now, then replays the remaining
// entries in timestamp (arrival) order through fn, emptying the buffer.
func (b *ReplayBuffer) DrainInto(fn func(reason string)) {
	b.mu.Lock()
	now := b.clock.Now()
	b.evictLocked(now)
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	for _, e := range entries {
		fn(e.reason)
	}
}

// Len reports the number of buffered entries, used by tests.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
