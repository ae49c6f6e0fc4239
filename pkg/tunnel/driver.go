package tunnel

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultPollInterval = 100 * time.Millisecond

// Run discovers services in scope and propagates samples every interval
// until ctx is done or the overlay session is lost.
func Run(ctx context.Context, t *Tunnel, interval time.Duration, scope Scope) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.Initialize()
	defer t.Shutdown()

	for {
		if err := t.Discover(ctx, scope); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("Discovery failed", zap.Error(err))
		}
		t.Propagate()

		select {
		case <-ctx.Done():
			return nil
		case <-t.Done():
			return ErrSessionLost
		case <-ticker.C:
		}
	}
}
