package stream

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/classycam/internal/tracker"
	"github.com/mikeyg42/classycam/internal/zone"
)

// statsEvery is how many frames pass between periodic stats lines.
const statsEvery = 300

// acquire is the acquisition loop for one session. It never closes the
// capture; release does that.
func (p *Pipeline) acquire(ctx context.Context, s *session, tr *tracker.Tracker, zones *zone.Engine) {
	defer close(s.done)

	log := p.logger.With(
		zap.Stringer("source", s.source),
		zap.String("backend", string(s.backend)))
	log.Info("acquisition loop started")
	defer log.Info("acquisition loop stopped")

	if !sleep(ctx, p.cfg.WarmupDelay) {
		return
	}

	retry := p.readBackoff()
	var frames, failures uint64

	for s.running.Load() {
		frame, err := s.capture.Read()
		if err != nil {
			if errors.Is(err, ErrCaptureClosed) {
				if s.running.CompareAndSwap(true, false) {
					log.Warn("capture closed underneath the loop, ending session")
				}
				return
			}

			failures++
			p.metrics.ReadFailed()
			wait := retry.NextBackOff()
			if failures == 1 || failures%100 == 0 {
				log.Warn("failed to grab frame, retrying",
					zap.Error(err),
					zap.Uint64("consecutive_failures", failures),
					zap.Duration("retry_in", wait))
			}
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		if failures > 0 {
			log.Info("frame reads recovered", zap.Uint64("failed_reads", failures))
			failures = 0
			retry.Reset()
		}

		frames++
		p.process(s, frame, tr, zones, log)

		if frames%statsEvery == 0 {
			log.Debug("acquisition stats",
				zap.Uint64("frames", frames),
				zap.Int("tracked", tr.Len()),
				zap.Uint64("published", p.cache.Sequence()))
		}

		if !sleep(ctx, p.cfg.FrameInterval) {
			return
		}
	}
}

// process runs one frame through detection, tracking, zone evaluation and
// rendering, then publishes the result.
func (p *Pipeline) process(s *session, frame Frame, tr *tracker.Tracker, zones *zone.Engine, log *zap.Logger) {
	defer func() {
		if err := frame.Close(); err != nil {
			log.Debug("failed to close frame", zap.Error(err))
		}
	}()
	start := p.now()

	detections, err := p.detector.Detect(frame)
	if err != nil {
		p.metrics.DetectFailed()
		log.Warn("detection failed, publishing raw frame", zap.Error(err))
		detections = nil
	}

	tracked := tr.Update(tracker.FilterClass(detections, p.trackedClass))
	size := frame.Size()
	evs, geo := zones.Evaluate(tracked, size.X, size.Y)
	entities := tracker.SortedEntities(tracked)

	if len(evs) > 0 && !p.record(s, evs, log) {
		return
	}

	jpeg, err := p.renderer.Render(frame, Overlay{
		Detections:     detections,
		Tracks:         entities,
		Geometry:       geo,
		HighlightClass: p.trackedClass,
	})
	if err != nil {
		log.Warn("failed to render frame", zap.Error(err))
		return
	}

	s.emit.Lock()
	defer s.emit.Unlock()
	if !s.running.Load() {
		return
	}
	p.cache.Publish(jpeg, detections, entities)
	p.metrics.TrackedEntities(len(entities))
	p.metrics.FrameProcessed(p.now().Sub(start))
}

// record stores and forwards zone events. It reports false when the session
// has already been released.
func (p *Pipeline) record(s *session, evs []zone.Event, log *zap.Logger) bool {
	s.emit.Lock()
	defer s.emit.Unlock()
	if !s.running.Load() {
		return false
	}

	p.events.Add(evs...)
	for _, ev := range evs {
		fields := []zap.Field{
			zap.String("kind", string(ev.Kind)),
			zap.Int("entity_id", ev.EntityID),
			zap.Stringer("event_id", ev.ID),
		}
		if ev.Kind == zone.PersonVanished {
			log.Info("person disappeared from view", fields...)
		} else {
			log.Warn("zone alert", fields...)
		}
		p.metrics.EventRaised(ev.Kind)
		p.publisher.Publish(ev)
	}
	return true
}

// readBackoff never gives up: a read failure is transient until Stop.
func (p *Pipeline) readBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.ReadBackoffInitial > 0 {
		b.InitialInterval = p.cfg.ReadBackoffInitial
	}
	if p.cfg.ReadBackoffMax > 0 {
		b.MaxInterval = p.cfg.ReadBackoffMax
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
