package vision

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/classycam/internal/config"
)

// yoloHead builds a [attr][anchor] buffer from per-anchor rows.
func yoloHead(rows [][]float32) (data []float32, attrs, anchors int) {
	anchors = len(rows)
	attrs = len(rows[0])
	data = make([]float32, attrs*anchors)
	for a, row := range rows {
		for i, v := range row {
			data[i*anchors+a] = v
		}
	}
	return data, attrs, anchors
}

func TestDecodeYOLO(t *testing.T) {
	rows := [][]float32{
		{320, 320, 100, 200, 0.90, 0.05}, // class 0, kept
		{100, 100, 20, 20, 0.10, 0.20},   // below threshold
		{500, 200, 40, 40, 0.30, 0.60},   // class 1, kept
	}
	data, attrs, anchors := yoloHead(rows)

	t.Run("attr major", func(t *testing.T) {
		got := decodeYOLO(data, attrs, anchors, false, [2]float64{1, 1}, 0.25)
		require.Len(t, got, 2)

		assert.Equal(t, 0, got[0].class)
		assert.InDelta(t, 0.90, got[0].score, 1e-6)
		assert.Equal(t, image.Rect(270, 220, 370, 420), got[0].box)

		assert.Equal(t, 1, got[1].class)
		assert.Equal(t, image.Rect(480, 180, 520, 220), got[1].box)
	})

	t.Run("anchor major", func(t *testing.T) {
		var flat []float32
		for _, r := range rows {
			flat = append(flat, r...)
		}
		got := decodeYOLO(flat, attrs, anchors, true, [2]float64{1, 1}, 0.25)
		require.Len(t, got, 2)
		assert.Equal(t, image.Rect(270, 220, 370, 420), got[0].box)
	})

	t.Run("scaled to frame", func(t *testing.T) {
		got := decodeYOLO(data, attrs, anchors, false, [2]float64{2, 0.5}, 0.25)
		require.NotEmpty(t, got)
		assert.Equal(t, image.Rect(540, 110, 740, 210), got[0].box)
	})

	t.Run("nothing above threshold", func(t *testing.T) {
		assert.Empty(t, decodeYOLO(data, attrs, anchors, false, [2]float64{1, 1}, 0.95))
	})
}

func TestLoadClasses(t *testing.T) {
	t.Run("default coco", func(t *testing.T) {
		names, err := loadClasses("")
		require.NoError(t, err)
		assert.Len(t, names, 80)
		assert.Equal(t, "person", names[0])
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "classes.txt")
		require.NoError(t, os.WriteFile(path, []byte("person\n\n  dog \ncat\n"), 0o644))

		names, err := loadClasses(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"person", "dog", "cat"}, names)
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "classes.txt")
		require.NoError(t, os.WriteFile(path, nil, 0o644))

		_, err := loadClasses(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadClasses(filepath.Join(t.TempDir(), "nope.txt"))
		assert.Error(t, err)
	})
}

func TestClassName(t *testing.T) {
	names := []string{"person", "dog"}
	assert.Equal(t, "dog", className(names, 1))
	assert.Equal(t, "class_7", className(names, 7))
	assert.Equal(t, "class_-1", className(names, -1))
}

func TestNewRendererQuality(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 80},
		{-5, 1},
		{150, 100},
		{65, 65},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewRenderer(tt.in).quality, "quality %d", tt.in)
	}
}

func TestOverlayStyle(t *testing.T) {
	assert.Equal(t, "Doorway", doorwayLabel)
	assert.Equal(t, "Classroom Zone", zoneLabel)

	for _, c := range []color.RGBA{colorDetection, colorTrackID, colorCentroid, colorDoorway, colorZone} {
		assert.Equal(t, uint8(255), c.A, "%v is not opaque", c)
	}
}

func TestNewDetectorMissingModel(t *testing.T) {
	_, err := NewDetector(detectorConfig(filepath.Join(t.TempDir(), "missing.onnx")), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadDetectorFallsBackToPassthrough(t *testing.T) {
	cfg := detectorConfig(filepath.Join(t.TempDir(), "missing.onnx"))

	det, closeFn, err := LoadDetector(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, closeFn)
	defer closeFn()

	dets, err := det.Detect(nil)
	assert.NoError(t, err)
	assert.Empty(t, dets)

	cfg.Required = true
	_, _, err = LoadDetector(cfg, nil)
	assert.Error(t, err)
}

func detectorConfig(model string) config.DetectorConfig {
	cfg := config.NewDefaultConfig().Detector
	cfg.ModelPath = model
	cfg.PreferGPU = false
	return cfg
}
