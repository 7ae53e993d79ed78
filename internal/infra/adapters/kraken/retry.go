package kraken

import (
	"context"
	"errors"
	"time"

	"github.com/coachpo/krakenperp/internal/observability"
)

// RunWithRetry runs fn until ctx ends. Any other return, error or not, is logged and fn
// restarts after delay. Cancellation is never retried.
func RunWithRetry(ctx context.Context, name string, delay time.Duration, logger observability.Logger, metrics *observability.Metrics, fn func(context.Context) error) error {
	logger = observability.OrDefault(logger)
	if metrics == nil {
		metrics = observability.ConnectorMetrics()
	}
	for {
		err := fn(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			logger.Error("stream failed; restarting", observability.F("stream", name),
				observability.F("retry_in", delay.String()), observability.Err(err))
		} else {
			logger.Warn("stream ended; restarting", observability.F("stream", name),
				observability.F("retry_in", delay.String()))
		}
		metrics.StreamRestart(ctx, name)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
