// Package zone derives entry, exit and disappearance events from tracked
// entity positions relative to a doorway line and a room rectangle.
package zone

import (
	"image"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/classycam/internal/tracker"
)

// Kind identifies the transition an Event reports.
type Kind string

const (
	UnauthorizedEntry Kind = "unauthorized_entry"
	LeavingRoom       Kind = "leaving_room"
	PersonVanished    Kind = "person_vanished"
)

// Event is an immutable zone transition.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"kind"`
	EntityID  int       `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Line is a segment between two points.
type Line struct {
	A image.Point `json:"a"`
	B image.Point `json:"b"`
}

// Geometry is the doorway and room derived for one frame size.
type Geometry struct {
	Doorway Line            `json:"doorway"`
	Zone    image.Rectangle `json:"zone"`
}

// Layout places the doorway and zone as fractions of the frame size.
type Layout struct {
	DoorwayY float64 `json:"doorway_y" yaml:"doorway_y"`
	ZoneMin  float64 `json:"zone_min" yaml:"zone_min"`
	ZoneMax  float64 `json:"zone_max" yaml:"zone_max"`
}

// DefaultLayout puts the doorway 75% down the frame and the zone over the
// central 80% on both axes.
func DefaultLayout() Layout {
	return Layout{DoorwayY: 0.75, ZoneMin: 0.1, ZoneMax: 0.9}
}

// Geometry computes the doorway and zone for a width x height frame.
func (l Layout) Geometry(width, height int) Geometry {
	doorY := int(float64(height) * l.DoorwayY)
	return Geometry{
		Doorway: Line{A: image.Pt(0, doorY), B: image.Pt(width, doorY)},
		Zone: image.Rectangle{
			Min: image.Pt(int(float64(width)*l.ZoneMin), int(float64(height)*l.ZoneMin)),
			Max: image.Pt(int(float64(width)*l.ZoneMax), int(float64(height)*l.ZoneMax)),
		},
	}
}

// Engine keeps the short-term memory needed to detect transitions. It is owned
// by a single goroutine.
type Engine struct {
	layout   Layout
	now      func() time.Time
	previous map[int]image.Point
	inZone   map[int]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine for the given layout.
func NewEngine(layout Layout, opts ...Option) *Engine {
	e := &Engine{
		layout:   layout,
		now:      time.Now,
		previous: make(map[int]image.Point),
		inZone:   make(map[int]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate compares this frame's entities with the previous frame and returns
// the events they trigger plus the geometry used.
func (e *Engine) Evaluate(entities map[int]tracker.Entity, width, height int) ([]Event, Geometry) {
	geo := e.layout.Geometry(width, height)
	doorY := geo.Doorway.A.Y

	var events []Event

	for _, id := range sortedKeys(e.inZone) {
		if _, tracked := entities[id]; tracked {
			continue
		}
		if e.inZone[id] {
			events = append(events, e.event(PersonVanished, id))
		}
		// The tracker never reissues an id, so a status left behind would never be read again.
		delete(e.inZone, id)
	}

	current := make(map[int]image.Point, len(entities))
	for _, id := range sortedKeys(entities) {
		c := entities[id].Centroid
		current[id] = c
		inside := strictlyInside(c, geo.Zone)

		status, known := e.inZone[id]
		if !known && inside {
			events = append(events, e.event(UnauthorizedEntry, id))
			e.inZone[id] = true
			status = true
		}

		prev, hadPrev := e.previous[id]
		if hadPrev && status && crossed(prev.Y, c.Y, doorY) && !inside {
			events = append(events, e.event(LeavingRoom, id))
			e.inZone[id] = false
		}
	}

	e.previous = current
	return events, geo
}

func (e *Engine) event(kind Kind, id int) Event {
	return Event{ID: uuid.New(), Kind: kind, EntityID: id, Timestamp: e.now()}
}

func strictlyInside(p image.Point, r image.Rectangle) bool {
	return r.Min.X < p.X && p.X < r.Max.X && r.Min.Y < p.Y && p.Y < r.Max.Y
}

// crossed reports whether a vertical move from prevY to y passes the line at
// lineY in either direction.
func crossed(prevY, y, lineY int) bool {
	return (prevY <= lineY && y > lineY) || (prevY >= lineY && y < lineY)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
