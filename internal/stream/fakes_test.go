package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/classycam/internal/config"
	"github.com/mikeyg42/classycam/internal/tracker"
	"github.com/mikeyg42/classycam/internal/zone"
)

type fakeFrame struct {
	size   image.Point
	closed atomic.Bool
}

func (f *fakeFrame) Size() image.Point { return f.size }
func (f *fakeFrame) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeCapture hands out 400x400 frames. readErr, when set, decides per read
// (1-based) whether that read fails.
type fakeCapture struct {
	backend Backend
	owner   *fakeOpener
	readErr func(n int) error

	mu     sync.Mutex
	reads  int
	closed bool
}

func (c *fakeCapture) Read() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCaptureClosed
	}
	c.reads++
	if c.readErr != nil {
		if err := c.readErr(c.reads); err != nil {
			return nil, err
		}
	}
	return &fakeFrame{size: image.Pt(400, 400)}, nil
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.owner.open.Add(-1)
	return nil
}

func (c *fakeCapture) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeOpener counts live handles. openErr fails Open for a backend; probeErr
// makes the first read on that backend's handle fail.
type fakeOpener struct {
	openErr  map[Backend]error
	probeErr map[Backend]error
	readErr  func(n int) error
	delay    time.Duration

	open    atomic.Int32
	maxOpen atomic.Int32

	mu       sync.Mutex
	attempts []Backend
	captures []*fakeCapture
}

func (o *fakeOpener) Open(ctx context.Context, src Source, backend Backend) (Capture, error) {
	o.mu.Lock()
	o.attempts = append(o.attempts, backend)
	o.mu.Unlock()

	if o.delay > 0 {
		select {
		case <-time.After(o.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := o.openErr[backend]; err != nil {
		return nil, err
	}

	c := &fakeCapture{backend: backend, owner: o, readErr: o.readErr}
	if probe := o.probeErr[backend]; probe != nil {
		c.readErr = func(n int) error {
			if n == 1 {
				return probe
			}
			return nil
		}
	}

	n := o.open.Add(1)
	for {
		m := o.maxOpen.Load()
		if n <= m || o.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}

	o.mu.Lock()
	o.captures = append(o.captures, c)
	o.mu.Unlock()
	return c, nil
}

func (o *fakeOpener) Attempts() []Backend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Backend(nil), o.attempts...)
}

func (o *fakeOpener) Captures() []*fakeCapture {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeCapture(nil), o.captures...)
}

func (o *fakeOpener) Last() *fakeCapture {
	cs := o.Captures()
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// fakeDetector returns whatever was last set.
type fakeDetector struct {
	mu   sync.Mutex
	dets []tracker.Detection
	err  error
}

func (d *fakeDetector) Set(dets []tracker.Detection, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dets, d.err = dets, err
}

func (d *fakeDetector) Detect(Frame) ([]tracker.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]tracker.Detection(nil), d.dets...), d.err
}

// fakeRenderer encodes a counter. When gate is set every render waits on it.
type fakeRenderer struct {
	n    atomic.Int64
	gate chan struct{}
}

func (r *fakeRenderer) Render(_ Frame, ov Overlay) ([]byte, error) {
	if r.gate != nil {
		<-r.gate
	}
	return []byte(fmt.Sprintf("jpeg-%d-%d", r.n.Add(1), len(ov.Tracks))), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []zone.Event
}

func (p *recordingPublisher) Publish(ev zone.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Kinds() []zone.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]zone.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

var errBoom = errors.New("boom")

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Stream.Backends = []string{"ffmpeg", "any"}
	cfg.Stream.OpenTimeout = time.Second
	cfg.Stream.StabilizeDelay = 0
	cfg.Stream.WarmupDelay = 0
	cfg.Stream.FrameInterval = time.Millisecond
	cfg.Stream.ReadBackoffInitial = time.Millisecond
	cfg.Stream.ReadBackoffMax = 5 * time.Millisecond
	cfg.Stream.StopTimeout = 2 * time.Second
	return cfg
}

type harness struct {
	p        *Pipeline
	opener   *fakeOpener
	detector *fakeDetector
	renderer *fakeRenderer
	pub      *recordingPublisher
	logs     *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg *config.Config, opener *fakeOpener) *harness {
	t.Helper()
	if opener == nil {
		opener = &fakeOpener{}
	}
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		opener:   opener,
		detector: &fakeDetector{},
		renderer: &fakeRenderer{},
		pub:      &recordingPublisher{},
		logs:     logs,
	}
	p, err := NewPipeline(cfg, opener, h.detector, h.renderer,
		WithLogger(zap.New(core)),
		WithPublisher(h.pub))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	h.p = p
	t.Cleanup(func() { p.Stop() })
	return h
}

func person(cx, cy int) tracker.Detection {
	return tracker.Detection{
		Class:      "person",
		Confidence: 0.9,
		BBox:       tracker.BBox{X1: cx - 10, Y1: cy - 20, X2: cx + 10, Y2: cy + 20},
	}
}

// stallingCapture serializes Read and Close on one mutex, like a native
// capture handle, and blocks every read after the probe until unblock closes.
type stallingCapture struct {
	mu      sync.Mutex
	unblock <-chan struct{}
	reads   atomic.Int32
	closed  atomic.Bool
}

func (c *stallingCapture) Read() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrCaptureClosed
	}
	if c.reads.Add(1) > 1 {
		<-c.unblock
	}
	return &fakeFrame{size: image.Pt(400, 400)}, nil
}

func (c *stallingCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed.Store(true)
	return nil
}

type stallingOpener struct {
	unblock chan struct{}

	mu       sync.Mutex
	captures []*stallingCapture
}

func (o *stallingOpener) Open(context.Context, Source, Backend) (Capture, error) {
	c := &stallingCapture{unblock: o.unblock}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.captures = append(o.captures, c)
	return c, nil
}

func (o *stallingOpener) last() *stallingCapture {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.captures[len(o.captures)-1]
}
