package vision

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/classycam/internal/stream"
)

var errReadFailed = errors.New("no frame returned from capture")

// captureAPIs maps configured backend names to OpenCV capture APIs.
var captureAPIs = map[stream.Backend]gocv.VideoCaptureAPI{
	stream.BackendAny:       gocv.VideoCaptureAny,
	stream.BackendFFmpeg:    gocv.VideoCaptureFFmpeg,
	stream.BackendGStreamer: gocv.VideoCaptureGstreamer,
	stream.BackendV4L2:      gocv.VideoCaptureV4L2,
}

// Opener opens webcams and network streams through OpenCV.
type Opener struct {
	bufferSize int
	logger     *zap.Logger
}

// NewOpener returns an opener that limits the driver's internal frame queue
// to bufferSize frames. Values below one leave the driver default.
func NewOpener(bufferSize int, logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.L()
	}
	return &Opener{bufferSize: bufferSize, logger: logger.Named("capture")}
}

type openResult struct {
	vc  *gocv.VideoCapture
	err error
}

// Open honours ctx while OpenCV blocks. A handle that arrives after the
// deadline is closed in the background.
func (o *Opener) Open(ctx context.Context, src stream.Source, backend stream.Backend) (stream.Capture, error) {
	api, ok := captureAPIs[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported capture backend %q", backend)
	}

	done := make(chan openResult, 1)
	go func() {
		vc, err := openCapture(src, api)
		done <- openResult{vc: vc, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("opening %s: %w", src, r.err)
		}
		if !r.vc.IsOpened() {
			_ = r.vc.Close()
			return nil, fmt.Errorf("opening %s: capture not opened", src)
		}
		if o.bufferSize > 0 {
			r.vc.Set(gocv.VideoCaptureBufferSize, float64(o.bufferSize))
		}
		o.logger.Debug("capture opened",
			zap.Stringer("source", src),
			zap.String("backend", string(backend)),
			zap.Float64("fps", r.vc.Get(gocv.VideoCaptureFPS)))
		return &Capture{vc: r.vc}, nil

	case <-ctx.Done():
		go func() {
			if r := <-done; r.vc != nil {
				_ = r.vc.Close()
			}
		}()
		return nil, fmt.Errorf("opening %s: %w", src, ctx.Err())
	}
}

func openCapture(src stream.Source, api gocv.VideoCaptureAPI) (*gocv.VideoCapture, error) {
	if src.IsDevice {
		return gocv.VideoCaptureDeviceWithAPI(src.Device, api)
	}
	return gocv.VideoCaptureFileWithAPI(src.Raw, api)
}

// Capture wraps a VideoCapture for a single reader. Close never waits on a
// blocked read: it marks the handle closed and, if a read is in flight, the
// reader releases the native handle once the read returns.
type Capture struct {
	mu      sync.Mutex
	vc      *gocv.VideoCapture
	closed  bool
	reading bool
}

func (c *Capture) Read() (stream.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, stream.ErrCaptureClosed
	}
	c.reading = true
	c.mu.Unlock()

	mat := gocv.NewMat()
	ok := c.vc.Read(&mat)

	c.mu.Lock()
	c.reading = false
	closed := c.closed
	c.mu.Unlock()

	if closed {
		_ = mat.Close()
		_ = c.vc.Close()
		return nil, stream.ErrCaptureClosed
	}
	if !ok || mat.Empty() {
		_ = mat.Close()
		return nil, errReadFailed
	}
	return NewFrame(mat), nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.reading {
		return nil
	}
	return c.vc.Close()
}
