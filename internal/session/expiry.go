package session

import (
	"context"
	"log/slog"
	"time"
)

// Expirer is implemented by backends without native expiry.
type Expirer interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// StartExpiryTicker periodically removes sessions not saved within ttl. The
// goroutine stops when ctx is cancelled. A non-positive ttl disables it.
func StartExpiryTicker(ctx context.Context, exp Expirer, ttl, interval time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := exp.DeleteExpired(ctx, time.Now().Add(-ttl))
				if err != nil {
					logger.Error("session expiry cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("session expiry cleanup", "deleted", n, "ttl", ttl)
				}
			}
		}
	}()
}
