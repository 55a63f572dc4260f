package notification

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/classycam/internal/config"
)

// sendWithRetry runs send until it succeeds, returns a permanent error, the
// retry budget is spent or ctx is done.
func sendWithRetry(ctx context.Context, cfg config.RetryConfig, send func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxRetries), ctx)
	return backoff.Retry(func() error { return send(ctx) }, policy)
}
