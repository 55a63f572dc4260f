// Package stream owns the capture session and the acquisition loop that turns
// raw frames into tracked entities, zone events and published JPEG frames.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/classycam/internal/config"
	"github.com/mikeyg42/classycam/internal/events"
	"github.com/mikeyg42/classycam/internal/framecache"
	"github.com/mikeyg42/classycam/internal/tracker"
	"github.com/mikeyg42/classycam/internal/zone"
)

// ============================================================================
//  PIPELINE
// ============================================================================

// Pipeline runs at most one capture session at a time and distributes its
// results through a frame cache and an event buffer.
type Pipeline struct {
	cfg          config.StreamConfig
	backends     []Backend
	trackedClass string
	maxMissing   int
	layout       zone.Layout

	opener   Opener
	detector Detector
	device   string
	renderer Renderer

	cache  *framecache.Cache
	events *events.Buffer
	ids    tracker.Sequence

	publisher EventPublisher
	metrics   Metrics
	logger    *zap.Logger
	now       func() time.Time

	// lifecycle serializes Start and Stop; session is only touched under it.
	lifecycle sync.Mutex
	session   *session

	// active mirrors session for lock-free status queries.
	active atomic.Pointer[session]
}

// session is one opened source and its worker.
type session struct {
	source  Source
	backend Backend
	capture Capture
	started time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	// emit is held while the worker writes results, so nothing from this
	// session lands in the cache after release.
	emit sync.Mutex
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Active        bool      `json:"active"`
	Source        string    `json:"source,omitempty"`
	Backend       Backend   `json:"backend,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	Detector      string    `json:"detector"`
	FrameSequence uint64    `json:"frame_sequence"`
	PendingEvents int       `json:"pending_events"`
	EventsDropped uint64    `json:"events_dropped"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger; the pipeline names its own child.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l.Named("pipeline") }
}

// WithMetrics sets the instrumentation sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithPublisher forwards every zone event to pub.
func WithPublisher(pub EventPublisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// NewPipeline wires a pipeline from configuration and its collaborators. A
// nil detector is replaced with PassthroughDetector.
func NewPipeline(cfg *config.Config, opener Opener, detector Detector, renderer Renderer, opts ...Option) (*Pipeline, error) {
	backends, err := ParseBackends(cfg.Stream.Backends)
	if err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		backends = []Backend{BackendAny}
	}
	if detector == nil {
		detector = PassthroughDetector{}
	}

	p := &Pipeline{
		cfg:          cfg.Stream,
		backends:     backends,
		trackedClass: cfg.Detector.TrackedClass,
		maxMissing:   cfg.Tracker.MaxDisappeared,
		layout: zone.Layout{
			DoorwayY: cfg.Zone.DoorwayY,
			ZoneMin:  cfg.Zone.ZoneMin,
			ZoneMax:  cfg.Zone.ZoneMax,
		},
		opener:    opener,
		detector:  detector,
		renderer:  renderer,
		cache:     framecache.New(),
		events:    events.NewBuffer(cfg.Events.BufferSize),
		publisher: nopPublisher{},
		metrics:   nopMetrics{},
		logger:    zap.L().Named("pipeline"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.device = "unknown"
	if d, ok := detector.(interface{ Device() string }); ok {
		p.device = d.Device()
	}
	return p, nil
}

// Start opens source and launches the acquisition loop. It returns
// ErrSessionActive if a session is already running and ErrSourceUnavailable
// if no backend could open the source. ctx bounds opening only; the session
// runs until Stop.
func (p *Pipeline) Start(ctx context.Context, source string) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if s := p.session; s != nil && s.running.Load() {
		p.logger.Warn("stream already running, stop it first",
			zap.Stringer("active_source", s.source),
			zap.String("requested_source", source))
		return ErrSessionActive
	}

	// A session whose loop ended on its own still holds its capture.
	p.release(false)

	src := ParseSource(source)
	if src.Raw == "" {
		p.logger.Error("no stream source given")
		return fmt.Errorf("%w: empty source", ErrSourceUnavailable)
	}

	p.logger.Info("connecting to stream", zap.Stringer("source", src))

	capture, backend, err := p.open(ctx, src)
	if err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		source:  src,
		backend: backend,
		capture: capture,
		started: p.now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.running.Store(true)
	p.session = s
	p.active.Store(s)

	// Fresh per-session state; ids stay unique through the shared sequence.
	tr := tracker.New(p.maxMissing, &p.ids)
	zones := zone.NewEngine(p.layout, zone.WithClock(p.now))
	go p.acquire(workerCtx, s, tr, zones)

	p.metrics.SessionStarted(backend)
	p.logger.Info("stream opened",
		zap.Stringer("source", src),
		zap.String("backend", string(backend)))
	return nil
}

// open tries each backend in order. Collaborator errors are logged, never
// returned.
func (p *Pipeline) open(ctx context.Context, src Source) (Capture, Backend, error) {
	for _, backend := range p.backends {
		log := p.logger.With(zap.Stringer("source", src), zap.String("backend", string(backend)))

		capture, err := p.tryBackend(ctx, src, backend)
		if err != nil {
			log.Warn("backend failed to open stream", zap.Error(err))
			continue
		}
		return capture, backend, nil
	}

	p.logger.Error("failed to open stream after trying all backends",
		zap.Stringer("source", src),
		zap.Any("backends", p.backends))
	return nil, "", fmt.Errorf("%w: %s (tried %v)", ErrSourceUnavailable, src, p.backends)
}

func (p *Pipeline) tryBackend(ctx context.Context, src Source, backend Backend) (Capture, error) {
	openCtx, cancel := context.WithTimeout(ctx, p.cfg.OpenTimeout)
	defer cancel()

	capture, err := p.opener.Open(openCtx, src, backend)
	if err != nil {
		return nil, err
	}

	if !sleep(ctx, p.cfg.StabilizeDelay) {
		p.closeCapture(capture)
		return nil, ctx.Err()
	}

	frame, err := capture.Read()
	if err != nil {
		p.closeCapture(capture)
		return nil, fmt.Errorf("opened but failed to read first frame: %w", err)
	}
	_ = frame.Close()
	return capture, nil
}

// Stop ends the running session. It reports false, with nothing to stop, when
// no session is active. Resources are released even if the worker does not
// exit within StopTimeout.
func (p *Pipeline) Stop() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	s := p.session
	if s == nil || !s.running.Load() {
		p.logger.Info("no active stream to stop")
		p.release(false)
		return false
	}

	s.running.Store(false)
	s.cancel()
	p.logger.Info("signaled stream to stop, waiting for acquisition loop")

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	exited := true
	select {
	case <-s.done:
	case <-timer.C:
		exited = false
		p.logger.Warn("acquisition loop did not terminate in time, releasing anyway",
			zap.Duration("timeout", p.cfg.StopTimeout))
	}

	p.release(!exited)
	p.logger.Info("stream stopped and resources released")
	return true
}

// release tears down the current session. Safe to call repeatedly; caller
// holds lifecycle. With detach the capture is closed in the background, since
// a worker stuck in Read can hold the handle for as long as the read blocks.
func (p *Pipeline) release(detach bool) {
	s := p.session
	if s == nil {
		return
	}

	s.emit.Lock()
	s.running.Store(false)
	s.emit.Unlock()
	s.cancel()

	if detach {
		go p.closeCapture(s.capture)
	} else {
		p.closeCapture(s.capture)
	}
	p.session = nil
	p.active.Store(nil)
	p.cache.Clear()
	p.metrics.SessionStopped()
	p.metrics.TrackedEntities(0)
}

func (p *Pipeline) closeCapture(c Capture) {
	if err := c.Close(); err != nil {
		p.logger.Warn("failed to release capture", zap.Error(err))
	}
}

// ============================================================================
//  QUERIES
// ============================================================================

// IsActive reports whether a session is open and its loop still running.
func (p *Pipeline) IsActive() bool {
	s := p.active.Load()
	return s != nil && s.running.Load()
}

// Source returns the identifier of the active session, or "".
func (p *Pipeline) Source() string {
	if s := p.active.Load(); s != nil && s.running.Load() {
		return s.source.Raw
	}
	return ""
}

// Status summarizes the pipeline state.
func (p *Pipeline) Status() Status {
	st := Status{
		Detector:      p.device,
		FrameSequence: p.cache.Sequence(),
		PendingEvents: p.events.Size(),
		EventsDropped: p.events.Dropped(),
	}
	if s := p.active.Load(); s != nil && s.running.Load() {
		st.Active = true
		st.Source = s.source.Raw
		st.Backend = s.backend
		st.StartedAt = s.started
	}
	return st
}

// LatestFrame returns the most recent annotated JPEG.
func (p *Pipeline) LatestFrame() ([]byte, bool) {
	snap, ok := p.cache.Latest()
	if !ok {
		return nil, false
	}
	return snap.JPEG, true
}

// LatestDetections returns the unfiltered detections of the latest frame.
func (p *Pipeline) LatestDetections() []tracker.Detection {
	snap, _ := p.cache.Latest()
	return snap.Detections
}

// TrackedEntities returns the tracked entities of the latest frame, by id.
func (p *Pipeline) TrackedEntities() []tracker.Entity {
	snap, _ := p.cache.Latest()
	return snap.Tracks
}

// PendingEvents returns buffered zone events, oldest first. With drain the
// buffer is emptied.
func (p *Pipeline) PendingEvents(drain bool) []zone.Event {
	if drain {
		return p.events.Drain()
	}
	return p.events.GetAll()
}

// RecentEvents returns up to n of the newest buffered events, oldest first,
// without removing them.
func (p *Pipeline) RecentEvents(n int) []zone.Event {
	return p.events.GetRecent(n)
}

// ClearEvents discards every buffered event.
func (p *Pipeline) ClearEvents() {
	p.events.Clear()
	p.logger.Info("pending events cleared")
}

// Frames exposes the frame cache to polling consumers.
func (p *Pipeline) Frames() *framecache.Cache {
	return p.cache
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
