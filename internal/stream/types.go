package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/mikeyg42/classycam/internal/tracker"
	"github.com/mikeyg42/classycam/internal/zone"
)

var (
	// ErrSourceUnavailable means every backend failed to open the source or
	// deliver a probe frame.
	ErrSourceUnavailable = errors.New("stream source unavailable")

	// ErrSessionActive is returned by Start while another session is running.
	ErrSessionActive = errors.New("stream session already active")

	// ErrCaptureClosed is returned by Capture.Read once the handle has been
	// released. It ends the acquisition loop.
	ErrCaptureClosed = errors.New("capture closed")
)

// Backend names a capture API to try when opening a source.
type Backend string

const (
	BackendAny       Backend = "any"
	BackendFFmpeg    Backend = "ffmpeg"
	BackendGStreamer Backend = "gstreamer"
	BackendV4L2      Backend = "v4l2"
)

// ParseBackend validates a configured backend name.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case BackendAny, BackendFFmpeg, BackendGStreamer, BackendV4L2:
		return b, nil
	default:
		return "", fmt.Errorf("unknown capture backend %q", name)
	}
}

// ParseBackends validates an ordered backend list.
func ParseBackends(names []string) ([]Backend, error) {
	out := make([]Backend, 0, len(names))
	for _, n := range names {
		b, err := ParseBackend(n)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Source identifies what to open: a local device index or a URL/path.
type Source struct {
	Raw      string
	Device   int
	IsDevice bool
}

// ParseSource treats an all-digit identifier as a device index.
func ParseSource(raw string) Source {
	raw = strings.TrimSpace(raw)
	src := Source{Raw: raw}
	if raw != "" && strings.Trim(raw, "0123456789") == "" {
		if n, err := strconv.Atoi(raw); err == nil {
			src.Device = n
			src.IsDevice = true
		}
	}
	return src
}

func (s Source) String() string {
	if s.IsDevice {
		return "device:" + strconv.Itoa(s.Device)
	}
	return s.Raw
}

// Frame is a decoded image owned by the caller until Close.
type Frame interface {
	Size() image.Point
	Close() error
}

// Capture is an open video handle. Read after Close must return
// ErrCaptureClosed, and Close must be safe to call concurrently with Read.
type Capture interface {
	Read() (Frame, error)
	Close() error
}

// Opener opens sources. The context carries the open timeout.
type Opener interface {
	Open(ctx context.Context, src Source, backend Backend) (Capture, error)
}

// Detector finds objects in a frame.
type Detector interface {
	Detect(frame Frame) ([]tracker.Detection, error)
}

// Overlay is everything drawn on top of a published frame.
type Overlay struct {
	Detections     []tracker.Detection
	Tracks         []tracker.Entity
	Geometry       zone.Geometry
	HighlightClass string
}

// Renderer draws the overlay onto the frame and encodes it as JPEG.
type Renderer interface {
	Render(frame Frame, overlay Overlay) ([]byte, error)
}

// EventPublisher receives every zone event. Publish must not block.
type EventPublisher interface {
	Publish(ev zone.Event)
}

// Metrics receives pipeline instrumentation.
type Metrics interface {
	SessionStarted(backend Backend)
	SessionStopped()
	FrameProcessed(elapsed time.Duration)
	ReadFailed()
	DetectFailed()
	EventRaised(kind zone.Kind)
	TrackedEntities(n int)
}

// PassthroughDetector reports no detections. It stands in when no model is
// available so the stream still runs.
type PassthroughDetector struct{}

func (PassthroughDetector) Detect(Frame) ([]tracker.Detection, error) { return nil, nil }

// Device reports that no inference runs.
func (PassthroughDetector) Device() string { return "none" }

type nopMetrics struct{}

func (nopMetrics) SessionStarted(Backend)       {}
func (nopMetrics) SessionStopped()              {}
func (nopMetrics) FrameProcessed(time.Duration) {}
func (nopMetrics) ReadFailed()                  {}
func (nopMetrics) DetectFailed()                {}
func (nopMetrics) EventRaised(zone.Kind)        {}
func (nopMetrics) TrackedEntities(int)          {}

type nopPublisher struct{}

func (nopPublisher) Publish(zone.Event) {}
