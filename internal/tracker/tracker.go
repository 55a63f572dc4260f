// Package tracker assigns stable integer identities to per-frame detections
// using greedy nearest-centroid association.
package tracker

import (
	"image"
	"math"
	"sort"
	"sync/atomic"
)

// BBox is an axis-aligned box in pixel coordinates. It is stored exactly as the
// detector reported it; x2<x1 is not rejected.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Centroid returns the integer midpoint of the box.
func (b BBox) Centroid() image.Point {
	return image.Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Rect converts the box to an image.Rectangle for drawing.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one object reported by the detector for a single frame.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Entity is a tracked subject.
type Entity struct {
	ID          int         `json:"id"`
	Centroid    image.Point `json:"centroid"`
	BBox        BBox        `json:"bbox"`
	Class       string      `json:"class"`
	Confidence  float64     `json:"confidence"`
	Disappeared int         `json:"disappeared"`
}

// Sequence hands out entity ids. Trackers that share a Sequence never reuse an id.
type Sequence struct {
	next atomic.Int64
}

// Next returns the next id and advances the sequence.
func (s *Sequence) Next() int {
	return int(s.next.Add(1) - 1)
}

// Tracker is not safe for concurrent use; it is owned by the acquisition loop.
type Tracker struct {
	maxDisappeared int
	ids            *Sequence
	entities       map[int]*Entity
}

// New creates a tracker that deregisters an entity once it has gone unmatched
// for more than maxDisappeared consecutive updates. A nil seq gives the tracker
// its own id sequence starting at 0.
func New(maxDisappeared int, seq *Sequence) *Tracker {
	if seq == nil {
		seq = &Sequence{}
	}
	return &Tracker{
		maxDisappeared: maxDisappeared,
		ids:            seq,
		entities:       make(map[int]*Entity),
	}
}

// Update reconciles one frame of detections with the tracked entities and
// returns the surviving entities keyed by id.
func (t *Tracker) Update(detections []Detection) map[int]Entity {
	if len(detections) == 0 {
		for _, id := range t.sortedIDs() {
			t.markMissing(id)
		}
		return t.snapshot()
	}

	centroids := make([]image.Point, len(detections))
	for i, d := range detections {
		centroids[i] = d.BBox.Centroid()
	}

	if len(t.entities) == 0 {
		for i, d := range detections {
			t.register(centroids[i], d)
		}
		return t.snapshot()
	}

	ids := t.sortedIDs()
	dist := make([][]float64, len(ids))
	for r, id := range ids {
		row := make([]float64, len(centroids))
		c := t.entities[id].Centroid
		for col, p := range centroids {
			row[col] = math.Hypot(float64(c.X-p.X), float64(c.Y-p.Y))
		}
		dist[r] = row
	}

	usedRows := make([]bool, len(ids))
	usedCols := make([]bool, len(centroids))

	pairs := min(len(ids), len(centroids))
	for range pairs {
		best := math.Inf(1)
		bestRow, bestCol := -1, -1
		for r := range dist {
			if usedRows[r] {
				continue
			}
			for c, d := range dist[r] {
				if usedCols[c] {
					continue
				}
				if d < best {
					best = d
					bestRow, bestCol = r, c
				}
			}
		}
		if bestRow == -1 {
			break
		}

		e := t.entities[ids[bestRow]]
		d := detections[bestCol]
		e.Centroid = centroids[bestCol]
		e.BBox = d.BBox
		e.Class = d.Class
		e.Confidence = d.Confidence
		e.Disappeared = 0

		usedRows[bestRow] = true
		usedCols[bestCol] = true
	}

	for r, id := range ids {
		if !usedRows[r] {
			t.markMissing(id)
		}
	}
	for c := range centroids {
		if !usedCols[c] {
			t.register(centroids[c], detections[c])
		}
	}

	return t.snapshot()
}

// Len reports how many entities are currently tracked.
func (t *Tracker) Len() int {
	return len(t.entities)
}

func (t *Tracker) register(centroid image.Point, d Detection) {
	id := t.ids.Next()
	t.entities[id] = &Entity{
		ID:         id,
		Centroid:   centroid,
		BBox:       d.BBox,
		Class:      d.Class,
		Confidence: d.Confidence,
	}
}

func (t *Tracker) markMissing(id int) {
	e := t.entities[id]
	e.Disappeared++
	if e.Disappeared > t.maxDisappeared {
		delete(t.entities, id)
	}
}

func (t *Tracker) sortedIDs() []int {
	ids := make([]int, 0, len(t.entities))
	for id := range t.entities {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (t *Tracker) snapshot() map[int]Entity {
	out := make(map[int]Entity, len(t.entities))
	for id, e := range t.entities {
		out[id] = *e
	}
	return out
}

// SortedEntities orders an Update result by id.
func SortedEntities(m map[int]Entity) []Entity {
	out := make([]Entity, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FilterClass keeps the detections whose class equals class.
func FilterClass(detections []Detection, class string) []Detection {
	out := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Class == class {
			out = append(out, d)
		}
	}
	return out
}
