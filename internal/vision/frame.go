// Package vision implements the stream collaborators on top of OpenCV:
// capture handles, the YOLO detector and the overlay renderer.
package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/classycam/internal/stream"
)

// Frame is a stream.Frame backed by a gocv.Mat.
type Frame struct {
	mat gocv.Mat
}

// NewFrame takes ownership of mat.
func NewFrame(mat gocv.Mat) *Frame {
	return &Frame{mat: mat}
}

// Mat exposes the underlying image. It stays valid until Close.
func (f *Frame) Mat() *gocv.Mat {
	return &f.mat
}

func (f *Frame) Size() image.Point {
	return image.Pt(f.mat.Cols(), f.mat.Rows())
}

func (f *Frame) Close() error {
	return f.mat.Close()
}

func matOf(frame stream.Frame) (*gocv.Mat, error) {
	f, ok := frame.(*Frame)
	if !ok {
		return nil, fmt.Errorf("unsupported frame type %T", frame)
	}
	if f.mat.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	return &f.mat, nil
}
