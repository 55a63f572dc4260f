package zone

import (
	"image"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/classycam/internal/tracker"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return NewEngine(DefaultLayout(), WithClock(func() time.Time { return fixedNow }))
}

func at(id, x, y int) map[int]tracker.Entity {
	return map[int]tracker.Entity{id: {ID: id, Centroid: image.Pt(x, y)}}
}

// statusOf reports the recorded zone status for id and whether one exists.
func statusOf(e *Engine, id int) (inZone, known bool) {
	inZone, known = e.inZone[id]
	return inZone, known
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestLayoutGeometry(t *testing.T) {
	geo := DefaultLayout().Geometry(400, 400)

	assert.Equal(t, Line{A: image.Pt(0, 300), B: image.Pt(400, 300)}, geo.Doorway)
	assert.Equal(t, image.Rect(40, 40, 360, 360), geo.Zone)

	geo = DefaultLayout().Geometry(640, 480)
	assert.Equal(t, 360, geo.Doorway.A.Y)
	assert.Equal(t, image.Rect(64, 48, 576, 432), geo.Zone)
}

func TestEvaluate_ReturnsGeometryEveryCall(t *testing.T) {
	e := newTestEngine()
	_, small := e.Evaluate(nil, 100, 100)
	_, large := e.Evaluate(nil, 1000, 1000)
	assert.Equal(t, 75, small.Doorway.A.Y)
	assert.Equal(t, 750, large.Doorway.A.Y)
}

func TestEvaluate_UnauthorizedEntryOnce(t *testing.T) {
	e := newTestEngine()

	events, _ := e.Evaluate(at(1, 100, 10), 400, 400)
	assert.Empty(t, events, "outside the zone on the first frame")

	events, _ = e.Evaluate(at(1, 100, 359), 400, 400)
	require.Len(t, events, 1)
	assert.Equal(t, UnauthorizedEntry, events[0].Kind)
	assert.Equal(t, 1, events[0].EntityID)
	assert.Equal(t, fixedNow, events[0].Timestamp)
	assert.NotEqual(t, uuid.Nil, events[0].ID)

	events, _ = e.Evaluate(at(1, 120, 350), 400, 400)
	assert.Empty(t, events, "status already true")
}

func TestEvaluate_ZoneEdgeIsOutside(t *testing.T) {
	e := newTestEngine()
	events, _ := e.Evaluate(at(1, 40, 200), 400, 400)
	assert.Empty(t, events)
	_, known := statusOf(e, 1)
	assert.False(t, known)
}

func TestEvaluate_LeavingRoomDownwardOutOfZone(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(at(1, 100, 100), 400, 400)
	status, _ := statusOf(e, 1)
	require.True(t, status)

	events, _ := e.Evaluate(at(1, 100, 380), 400, 400)
	assert.Equal(t, []Kind{LeavingRoom}, kinds(events))
	status, known := statusOf(e, 1)
	assert.True(t, known)
	assert.False(t, status)

	events, _ = e.Evaluate(at(1, 100, 390), 400, 400)
	assert.Empty(t, events)
}

func TestEvaluate_CrossingInsideZoneIsNotLeaving(t *testing.T) {
	// (100,320) is below the doorway but still inside the 40..360 zone.
	e := newTestEngine()
	e.Evaluate(at(1, 100, 100), 400, 400)

	events, _ := e.Evaluate(at(1, 100, 320), 400, 400)
	assert.Empty(t, events)
	status, _ := statusOf(e, 1)
	assert.True(t, status)
}

func TestEvaluate_LeavingRoomUpward(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(at(1, 200, 340), 400, 400)

	events, _ := e.Evaluate(at(1, 380, 290), 400, 400)
	assert.Equal(t, []Kind{LeavingRoom}, kinds(events))
}

func TestEvaluate_LeftZoneWithoutCrossingDoorway(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(at(1, 100, 100), 400, 400)

	events, _ := e.Evaluate(at(1, 10, 100), 400, 400)
	assert.Empty(t, events)
	status, _ := statusOf(e, 1)
	assert.True(t, status)
}

func TestEvaluate_PersonVanished(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(at(7, 200, 200), 400, 400)

	events, _ := e.Evaluate(map[int]tracker.Entity{}, 400, 400)
	require.Len(t, events, 1)
	assert.Equal(t, PersonVanished, events[0].Kind)
	assert.Equal(t, 7, events[0].EntityID)
	_, known := statusOf(e, 7)
	assert.False(t, known)

	events, _ = e.Evaluate(nil, 400, 400)
	assert.Empty(t, events)
}

func TestEvaluate_VanishedAfterLeavingIsSilent(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(at(1, 100, 100), 400, 400)
	e.Evaluate(at(1, 100, 380), 400, 400)

	events, _ := e.Evaluate(nil, 400, 400)
	assert.Empty(t, events)
	_, known := statusOf(e, 1)
	assert.False(t, known)
}

func TestEvaluate_NoPreviousCentroidNoLeaving(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(at(1, 100, 100), 400, 400)
	// Entity missing for one frame: PersonVanished clears it, so it cannot
	// then produce a LeavingRoom on return.
	e.Evaluate(nil, 400, 400)

	events, _ := e.Evaluate(at(1, 100, 380), 400, 400)
	assert.Empty(t, events)
}

func TestEvaluate_PreviousCentroidsReplacedWholesale(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(map[int]tracker.Entity{
		1: {ID: 1, Centroid: image.Pt(100, 100)},
		2: {ID: 2, Centroid: image.Pt(200, 100)},
	}, 400, 400)
	e.Evaluate(at(1, 100, 110), 400, 400)

	assert.NotContains(t, e.previous, 2)
	assert.Len(t, e.previous, 1)
}

func TestEvaluate_MultipleEventsOrderedByID(t *testing.T) {
	e := newTestEngine()
	e.Evaluate(map[int]tracker.Entity{
		3: {ID: 3, Centroid: image.Pt(100, 100)},
		5: {ID: 5, Centroid: image.Pt(150, 100)},
	}, 400, 400)

	events, _ := e.Evaluate(map[int]tracker.Entity{
		9: {ID: 9, Centroid: image.Pt(200, 200)},
		8: {ID: 8, Centroid: image.Pt(210, 200)},
	}, 400, 400)

	require.Len(t, events, 4)
	assert.Equal(t, []Kind{PersonVanished, PersonVanished, UnauthorizedEntry, UnauthorizedEntry}, kinds(events))
	assert.Equal(t, []int{3, 5, 8, 9}, []int{events[0].EntityID, events[1].EntityID, events[2].EntityID, events[3].EntityID})
}

func TestCrossed(t *testing.T) {
	tests := []struct {
		name        string
		prev, y, ln int
		want        bool
	}{
		{"down across", 290, 310, 300, true},
		{"from on the line downward", 300, 301, 300, true},
		{"up across", 310, 290, 300, true},
		{"from on the line upward", 300, 299, 300, true},
		{"stays above", 100, 200, 300, false},
		{"stays below", 310, 320, 300, false},
		{"lands on the line", 290, 300, 300, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, crossed(tt.prev, tt.y, tt.ln))
		})
	}
}
