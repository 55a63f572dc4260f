package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/classycam/internal/stream"
)

var (
	colorDetection = color.RGBA{G: 255, A: 255}
	colorTrackID   = color.RGBA{R: 255, B: 255, A: 255}
	colorCentroid  = color.RGBA{R: 255, A: 255}
	colorDoorway   = color.RGBA{B: 255, A: 255}
	colorZone      = color.RGBA{R: 255, G: 255, A: 255}
)

// Labels drawn next to the room geometry.
const (
	doorwayLabel = "Doorway"
	zoneLabel    = "Classroom Zone"
)

// Renderer draws detections, track ids and the room geometry onto a frame
// and encodes it as JPEG.
type Renderer struct {
	quality int
}

// NewRenderer clamps quality to 1..100; zero picks 80.
func NewRenderer(quality int) *Renderer {
	switch {
	case quality == 0:
		quality = 80
	case quality < 1:
		quality = 1
	case quality > 100:
		quality = 100
	}
	return &Renderer{quality: quality}
}

// Render draws in place. The frame is closed by the caller afterwards.
func (r *Renderer) Render(frame stream.Frame, ov stream.Overlay) ([]byte, error) {
	mat, err := matOf(frame)
	if err != nil {
		return nil, err
	}

	for _, det := range ov.Detections {
		if ov.HighlightClass != "" && det.Class != ov.HighlightClass {
			continue
		}
		box := det.BBox.Rect()
		gocv.Rectangle(mat, box, colorDetection, 2)
		gocv.PutText(mat, fmt.Sprintf("%s %.2f", det.Class, det.Confidence),
			image.Pt(box.Min.X, box.Min.Y-8), gocv.FontHersheySimplex, 0.5, colorDetection, 1)
	}

	for _, e := range ov.Tracks {
		gocv.PutText(mat, fmt.Sprintf("ID: %d", e.ID),
			image.Pt(e.Centroid.X-20, e.Centroid.Y-20), gocv.FontHersheySimplex, 0.5, colorTrackID, 2)
		gocv.Circle(mat, e.Centroid, 4, colorCentroid, -1)
	}

	geo := ov.Geometry
	if geo.Doorway.A != geo.Doorway.B {
		gocv.Line(mat, geo.Doorway.A, geo.Doorway.B, colorDoorway, 2)
		gocv.PutText(mat, doorwayLabel, image.Pt(geo.Doorway.A.X+10, geo.Doorway.A.Y-10),
			gocv.FontHersheySimplex, 0.5, colorDoorway, 2)
	}
	if !geo.Zone.Empty() {
		gocv.Rectangle(mat, geo.Zone, colorZone, 2)
		gocv.PutText(mat, zoneLabel, image.Pt(geo.Zone.Min.X+5, geo.Zone.Min.Y+20),
			gocv.FontHersheySimplex, 0.5, colorZone, 2)
	}

	return encodeJPEG(mat, r.quality)
}

func encodeJPEG(mat *gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, *mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases native memory that Close frees.
	return append([]byte(nil), buf.GetBytes()...), nil
}
