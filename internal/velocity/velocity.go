// Package velocity tracks per-user transaction rates over sliding
// time windows.
package velocity

import (
	"hash/fnv"
	"sync"
	"time"
)

// Standard windows used by rules and feature extraction.
const (
	WindowHour = time.Hour
	WindowDay  = 24 * time.Hour
	WindowWeek = 7 * 24 * time.Hour
)

type entry struct {
	ts     time.Time
	amount float64
}

type queue struct {
	mu      sync.Mutex
	entries []entry
}

// Snapshot is one consistent view of an entity's velocity, taken under
// a single lock so every rule in an assessment sees the same numbers.
type Snapshot struct {
	Count1h  int
	Count24h int
	Count7d  int
	Sum1h    float64
	Sum24h   float64
	Sum7d    float64

	// Amounts24h holds the amounts recorded in the last 24 hours,
	// oldest first.
	Amounts24h []float64
}

// Tracker keeps sliding-window histories per entity. Entries older
// than the widest window are evicted lazily on access.
type Tracker struct {
	shards []*trackerShard
}

type trackerShard struct {
	mu     sync.RWMutex
	queues map[string]*queue
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{shards: make([]*trackerShard, 64)}
	for i := range t.shards {
		t.shards[i] = &trackerShard{queues: make(map[string]*queue)}
	}
	return t
}

func (t *Tracker) queue(tenantID, entityID string, create bool) *queue {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	sh := t.shards[h.Sum32()%uint32(len(t.shards))]
	key := tenantID + "|" + entityID

	sh.mu.RLock()
	q, ok := sh.queues[key]
	sh.mu.RUnlock()
	if ok || !create {
		return q
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if q, ok := sh.queues[key]; ok {
		return q
	}
	q = &queue{}
	sh.queues[key] = q
	return q
}

func (q *queue) evict(now time.Time) {
	cutoff := now.Add(-WindowWeek)
	i := 0
	for i < len(q.entries) && q.entries[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		q.entries = q.entries[i:]
	}
}

// Record adds one event to the entity's history. Out-of-order
// timestamps within the window are accepted; eviction only trims the
// head, so the queue stays append-ordered.
func (t *Tracker) Record(tenantID, entityID string, amount float64, ts time.Time) {
	q := t.queue(tenantID, entityID, true)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry{ts: ts.UTC(), amount: amount})
	q.evict(time.Now().UTC())
}

// Count returns the number of events within the window ending at now.
func (t *Tracker) Count(tenantID, entityID string, window time.Duration, now time.Time) int {
	q := t.queue(tenantID, entityID, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evict(now.UTC())

	cutoff := now.UTC().Add(-window)
	count := 0
	for _, e := range q.entries {
		if !e.ts.Before(cutoff) && !e.ts.After(now.UTC()) {
			count++
		}
	}
	return count
}

// Sum returns the total amount within the window ending at now.
func (t *Tracker) Sum(tenantID, entityID string, window time.Duration, now time.Time) float64 {
	q := t.queue(tenantID, entityID, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evict(now.UTC())

	cutoff := now.UTC().Add(-window)
	var sum float64
	for _, e := range q.entries {
		if !e.ts.Before(cutoff) && !e.ts.After(now.UTC()) {
			sum += e.amount
		}
	}
	return sum
}

// SnapshotAt computes all standard windows under one lock.
func (t *Tracker) SnapshotAt(tenantID, entityID string, now time.Time) *Snapshot {
	snap := &Snapshot{}
	q := t.queue(tenantID, entityID, false)
	if q == nil {
		return snap
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.evict(now.UTC())

	nowUTC := now.UTC()
	cut1h := nowUTC.Add(-WindowHour)
	cut24h := nowUTC.Add(-WindowDay)
	cut7d := nowUTC.Add(-WindowWeek)

	for _, e := range q.entries {
		if e.ts.After(nowUTC) || e.ts.Before(cut7d) {
			continue
		}
		snap.Count7d++
		snap.Sum7d += e.amount
		if e.ts.Before(cut24h) {
			continue
		}
		snap.Count24h++
		snap.Sum24h += e.amount
		snap.Amounts24h = append(snap.Amounts24h, e.amount)
		if e.ts.Before(cut1h) {
			continue
		}
		snap.Count1h++
		snap.Sum1h += e.amount
	}
	return snap
}
