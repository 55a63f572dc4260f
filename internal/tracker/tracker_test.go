package tracker

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func person(x1, y1, x2, y2 int) Detection {
	return Detection{Class: "person", Confidence: 0.9, BBox: BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}}
}

func TestBBoxCentroid(t *testing.T) {
	tests := []struct {
		name string
		box  BBox
		want image.Point
	}{
		{"even", BBox{0, 0, 10, 20}, image.Pt(5, 10)},
		{"odd truncates", BBox{0, 0, 11, 21}, image.Pt(5, 10)},
		{"inverted box accepted", BBox{10, 10, 0, 0}, image.Pt(5, 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.box.Centroid())
		})
	}
}

func TestUpdate_FirstFrameRegistersInInputOrder(t *testing.T) {
	tr := New(5, nil)

	got := tr.Update([]Detection{
		person(300, 300, 340, 400),
		person(0, 0, 40, 100),
		person(100, 100, 140, 200),
	})

	require.Len(t, got, 3)
	assert.Equal(t, image.Pt(320, 350), got[0].Centroid)
	assert.Equal(t, image.Pt(20, 50), got[1].Centroid)
	assert.Equal(t, image.Pt(120, 150), got[2].Centroid)
	for id, e := range got {
		assert.Equal(t, id, e.ID)
		assert.Zero(t, e.Disappeared)
	}
}

func TestUpdate_NearestCentroidKeepsIdentity(t *testing.T) {
	tr := New(5, nil)
	tr.Update([]Detection{person(0, 0, 20, 20), person(200, 200, 220, 220)})

	// Same two people, reported in the opposite order and slightly moved.
	got := tr.Update([]Detection{person(205, 203, 225, 223), person(3, 2, 23, 22)})

	require.Len(t, got, 2)
	assert.Equal(t, image.Pt(13, 12), got[0].Centroid)
	assert.Equal(t, image.Pt(215, 213), got[1].Centroid)
}

func TestUpdate_DisappearedCountAndDeregistration(t *testing.T) {
	const maxDisappeared = 3
	tr := New(maxDisappeared, nil)
	tr.Update([]Detection{person(0, 0, 10, 10)})

	for want := 1; want <= maxDisappeared; want++ {
		got := tr.Update(nil)
		require.Contains(t, got, 0, "deregistered before exceeding the threshold")
		assert.Equal(t, want, got[0].Disappeared)
	}

	got := tr.Update(nil)
	assert.NotContains(t, got, 0)
	assert.Zero(t, tr.Len())
}

func TestUpdate_MatchResetsDisappeared(t *testing.T) {
	tr := New(10, nil)
	tr.Update([]Detection{person(0, 0, 10, 10)})
	tr.Update(nil)
	tr.Update(nil)

	got := tr.Update([]Detection{person(1, 1, 11, 11)})
	require.Contains(t, got, 0)
	assert.Zero(t, got[0].Disappeared)
}

func TestUpdate_UnmatchedEntityAgesWhileOthersMatch(t *testing.T) {
	tr := New(1, nil)
	tr.Update([]Detection{person(0, 0, 10, 10), person(100, 100, 110, 110)})

	got := tr.Update([]Detection{person(1, 1, 11, 11)})
	require.Len(t, got, 2)
	assert.Zero(t, got[0].Disappeared)
	assert.Equal(t, 1, got[1].Disappeared)

	got = tr.Update([]Detection{person(2, 2, 12, 12)})
	assert.Len(t, got, 1)
	assert.Contains(t, got, 0)
}

func TestUpdate_NewDetectionRegistersNextID(t *testing.T) {
	tr := New(5, nil)
	tr.Update([]Detection{person(0, 0, 10, 10)})

	got := tr.Update([]Detection{person(0, 0, 10, 10), person(500, 500, 510, 510)})
	require.Len(t, got, 2)
	assert.Equal(t, image.Pt(505, 505), got[1].Centroid)
}

func TestUpdate_IDsNeverReused(t *testing.T) {
	tr := New(0, nil)
	tr.Update([]Detection{person(0, 0, 10, 10)})
	tr.Update(nil) // id 0 deregistered

	got := tr.Update([]Detection{person(0, 0, 10, 10)})
	require.Len(t, got, 1)
	assert.Contains(t, got, 1)
}

func TestUpdate_SharedSequenceAcrossTrackers(t *testing.T) {
	seq := &Sequence{}
	first := New(5, seq)
	first.Update([]Detection{person(0, 0, 10, 10), person(50, 50, 60, 60)})

	second := New(5, seq)
	got := second.Update([]Detection{person(0, 0, 10, 10)})
	assert.Contains(t, got, 2)
	assert.Equal(t, 3, seq.Next())
}

func TestUpdate_TieBreakIsRowMajor(t *testing.T) {
	// Entity 0 at (10,0) and entity 1 at (30,0); one detection at (20,0) is
	// equidistant from both. The lowest existing index wins.
	for range 10 {
		tr := New(5, nil)
		tr.Update([]Detection{person(10, 0, 10, 0), person(30, 0, 30, 0)})

		got := tr.Update([]Detection{person(20, 0, 20, 0)})
		require.Len(t, got, 2)
		assert.Equal(t, image.Pt(20, 0), got[0].Centroid)
		assert.Equal(t, 0, got[0].Disappeared)
		assert.Equal(t, 1, got[1].Disappeared)
	}
}

func TestUpdate_GreedyIsNotGloballyOptimal(t *testing.T) {
	// Greedy binds the single closest pair first (entity 1 <-> x=9, cost 1),
	// leaving entity 0 with x=25 (cost 25): total 26, where 0->9 and 1->25
	// would cost 24.
	tr := New(5, nil)
	tr.Update([]Detection{person(0, 0, 0, 0), person(10, 0, 10, 0)})

	got := tr.Update([]Detection{person(9, 0, 9, 0), person(25, 0, 25, 0)})
	require.Len(t, got, 2)
	assert.Equal(t, image.Pt(25, 0), got[0].Centroid)
	assert.Equal(t, image.Pt(9, 0), got[1].Centroid)
}

func TestUpdate_CopiesDetectionFields(t *testing.T) {
	tr := New(5, nil)
	tr.Update([]Detection{{Class: "person", Confidence: 0.5, BBox: BBox{0, 0, 10, 10}}})

	got := tr.Update([]Detection{{Class: "person", Confidence: 0.8, BBox: BBox{2, 2, 12, 12}}})
	assert.Equal(t, 0.8, got[0].Confidence)
	assert.Equal(t, BBox{2, 2, 12, 12}, got[0].BBox)
}

func TestFilterClass(t *testing.T) {
	dets := []Detection{
		{Class: "person"},
		{Class: "chair"},
		{Class: "person"},
	}
	assert.Len(t, FilterClass(dets, "person"), 2)
	assert.Empty(t, FilterClass(dets, "dog"))
}

func TestEntitiesSorted(t *testing.T) {
	tr := New(5, nil)
	tr.Update([]Detection{person(0, 0, 1, 1), person(10, 10, 11, 11), person(20, 20, 21, 21)})

	ents := SortedEntities(tr.snapshot())
	require.Len(t, ents, 3)
	for i, e := range ents {
		assert.Equal(t, i, e.ID)
	}
}
