// Package refcount tracks live references to layers and reclaims
// unreferenced storage.
//
// Counts are the single serialization point for lifecycle decisions: images
// (tags) and containers acquire every layer of their resolved chain and
// release them on removal. A release that drops a count to zero never
// deletes synchronously — it enqueues the digest for a background sweep,
// which re-checks the count immediately before deletion so a concurrently
// starting container that re-acquired the layer wins the race.
package refcount

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnderflow is returned when a release would drive a count below zero.
// That is a caller sequencing bug, never a normal condition.
var ErrUnderflow = errors.New("refcount release below zero")

// Deleter physically removes a resource by identifier. Layer deletion is
// expected to return an error while the resource is still referenced.
type Deleter func(id string) error

type candidate struct {
	id         string
	enqueuedAt time.Time
}

// Tracker maintains per-digest reference counts and the deferred deletion
// queues. Counts are atomic integers behind a read-mostly map; the queues
// have their own lock so enqueueing never contends with count updates.
type Tracker struct {
	mu     sync.RWMutex
	counts map[string]*atomic.Int64

	deleteLayer  Deleter
	deleteOrphan Deleter
	grace        time.Duration

	qmu     sync.Mutex
	layers  []candidate
	orphans []candidate
}

// New creates a tracker. deleteLayer is called by Sweep for zero-count
// layers; grace is the minimum age of a candidate before physical deletion
// (0 = delete on the next sweep).
func New(deleteLayer Deleter, grace time.Duration) *Tracker {
	return &Tracker{
		counts:      make(map[string]*atomic.Int64),
		deleteLayer: deleteLayer,
		grace:       grace,
	}
}

// SetOrphanDeleter wires the deleter for orphaned writable layers.
func (t *Tracker) SetOrphanDeleter(d Deleter) {
	t.mu.Lock()
	t.deleteOrphan = d
	t.mu.Unlock()
}

// Acquire atomically increments the count for a digest.
func (t *Tracker) Acquire(digest string) {
	t.entry(digest).Add(1)
}

// Release atomically decrements the count for a digest. Dropping to zero
// enqueues the digest as a deletion candidate. Returns ErrUnderflow if the
// count would go negative.
func (t *Tracker) Release(digest string) error {
	e := t.entry(digest)
	n := e.Add(-1)
	if n < 0 {
		e.Add(1)
		return ErrUnderflow
	}
	if n == 0 {
		t.enqueue(digest)
	}
	return nil
}

// Count returns the current reference count for a digest.
func (t *Tracker) Count(digest string) int64 {
	t.mu.RLock()
	e, ok := t.counts[digest]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return e.Load()
}

// Enqueue adds a digest to the deletion queue without touching its count.
// Used at startup for layers left unreferenced by the recovery replay.
func (t *Tracker) Enqueue(digest string) {
	t.enqueue(digest)
}

// EnqueueOrphan queues a writable-layer ID for deletion. Writable layers
// have exactly one owner, so there is no count to check — only the deferred
// deletion applies.
func (t *Tracker) EnqueueOrphan(id string) {
	t.qmu.Lock()
	t.orphans = append(t.orphans, candidate{id: id, enqueuedAt: time.Now()})
	t.qmu.Unlock()
}

func (t *Tracker) enqueue(digest string) {
	t.qmu.Lock()
	t.layers = append(t.layers, candidate{id: digest, enqueuedAt: time.Now()})
	t.qmu.Unlock()
}

// Sweep processes both deletion queues once and returns the number of
// resources physically deleted. Candidates whose count raced back above
// zero are dropped silently; candidates younger than the grace period stay
// queued; failed deletions are logged and re-queued for a future sweep.
func (t *Tracker) Sweep() int {
	now := time.Now()

	t.qmu.Lock()
	layers := t.layers
	orphans := t.orphans
	t.layers = nil
	t.orphans = nil
	t.qmu.Unlock()

	deleted := 0
	var keepLayers, keepOrphans []candidate

	for _, c := range layers {
		if now.Sub(c.enqueuedAt) < t.grace {
			keepLayers = append(keepLayers, c)
			continue
		}
		if t.Count(c.id) > 0 {
			continue // benign race: a concurrent acquire revived the layer
		}
		if err := t.deleteLayer(c.id); err != nil {
			log.Printf("gc: delete layer %s: %v", c.id, err)
			keepLayers = append(keepLayers, c)
			continue
		}
		t.forget(c.id)
		deleted++
	}

	t.mu.RLock()
	deleteOrphan := t.deleteOrphan
	t.mu.RUnlock()

	for _, c := range orphans {
		if now.Sub(c.enqueuedAt) < t.grace {
			keepOrphans = append(keepOrphans, c)
			continue
		}
		if deleteOrphan == nil {
			keepOrphans = append(keepOrphans, c)
			continue
		}
		if err := deleteOrphan(c.id); err != nil {
			log.Printf("gc: delete writable layer %s: %v", c.id, err)
			keepOrphans = append(keepOrphans, c)
			continue
		}
		deleted++
	}

	t.qmu.Lock()
	t.layers = append(keepLayers, t.layers...)
	t.orphans = append(keepOrphans, t.orphans...)
	t.qmu.Unlock()

	return deleted
}

// Run sweeps on the given interval until ctx is cancelled. Intended to run
// as a low-priority background goroutine; sweeps never block foreground
// lifecycle operations.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				log.Printf("gc: swept %d resources", n)
			}
		}
	}
}

// Pending returns the current deletion-queue depth (layers + orphans).
func (t *Tracker) Pending() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.layers) + len(t.orphans)
}

// entry returns the count cell for a digest, creating it on first use.
func (t *Tracker) entry(digest string) *atomic.Int64 {
	t.mu.RLock()
	e, ok := t.counts[digest]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.counts[digest]; ok {
		return e
	}
	e = &atomic.Int64{}
	t.counts[digest] = e
	return e
}

// forget drops the count cell for a deleted digest.
func (t *Tracker) forget(digest string) {
	t.mu.Lock()
	delete(t.counts, digest)
	t.mu.Unlock()
}
