// Package framecache holds the most recent processed frame for any number of
// polling consumers.
package framecache

import (
	"sync"
	"time"

	"github.com/mikeyg42/classycam/internal/tracker"
)

// Snapshot is one published frame and the tracking state that produced it.
type Snapshot struct {
	JPEG       []byte              `json:"-"`
	Detections []tracker.Detection `json:"detections"`
	Tracks     []tracker.Entity    `json:"tracks"`
	Sequence   uint64              `json:"sequence"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Cache is a single-slot store. One writer publishes, many readers poll.
type Cache struct {
	mu   sync.RWMutex
	snap Snapshot
	set  bool
	seq  uint64
	now  func() time.Time
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{now: time.Now}
}

// Publish replaces the cached snapshot. The slices are copied so the caller
// may reuse its buffers.
func (c *Cache) Publish(jpeg []byte, detections []tracker.Detection, tracks []tracker.Entity) uint64 {
	snap := Snapshot{
		JPEG:       clone(jpeg),
		Detections: clone(detections),
		Tracks:     clone(tracks),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	snap.Sequence = c.seq
	snap.UpdatedAt = c.now()
	c.snap = snap
	c.set = true
	return c.seq
}

// Latest returns a copy of the current snapshot, or false when nothing has
// been published since the last Clear.
func (c *Cache) Latest() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return Snapshot{}, false
	}
	return Snapshot{
		JPEG:       clone(c.snap.JPEG),
		Detections: clone(c.snap.Detections),
		Tracks:     clone(c.snap.Tracks),
		Sequence:   c.snap.Sequence,
		UpdatedAt:  c.snap.UpdatedAt,
	}, true
}

// Clear empties the slot. The sequence keeps counting so pollers never see a
// repeated number for a different frame.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = Snapshot{}
	c.set = false
}

// Sequence returns the number of the last published frame.
func (c *Cache) Sequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

func clone[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
