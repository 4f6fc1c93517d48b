package callsession

import (
	"context"
	"time"

	"telemed-platform/pkg/logger"
)

// Expirer ends sessions whose rejoin window has lapsed.
type Expirer interface {
	CleanupExpiredSessions(ctx context.Context) int
}

// RunSweeper calls CleanupExpiredSessions every interval until ctx is done.
func RunSweeper(ctx context.Context, e Expirer, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log := logger.From(ctx)
	log.Info("call session sweeper started", "interval", interval.String())

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("call session sweeper stopped")
			return
		case <-t.C:
			e.CleanupExpiredSessions(ctx)
		}
	}
}
