// Package notification fans zone events out to external sinks without ever
// blocking the acquisition loop.
package notification

import (
	"context"

	"github.com/mikeyg42/classycam/internal/zone"
)

// Sink delivers one event somewhere outside the process. A returned error
// is retried unless it is wrapped with backoff.Permanent.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev zone.Event) error
}

// Metrics receives delivery outcomes.
type Metrics interface {
	NotificationSent()
	NotificationFailed()
	NotificationDropped()
}

type nopMetrics struct{}

func (nopMetrics) NotificationSent()    {}
func (nopMetrics) NotificationFailed()  {}
func (nopMetrics) NotificationDropped() {}

// IsAlert reports whether kind warrants paging a human. Disappearances are
// informational.
func IsAlert(kind zone.Kind) bool {
	return kind == zone.UnauthorizedEntry || kind == zone.LeavingRoom
}
