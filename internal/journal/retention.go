package journal

import (
	"context"
	"time"
)

// StartRetentionTicker runs a background goroutine that periodically deletes
// journal events older than maxDays. If maxDays is 0 or negative, nothing is
// pruned. The goroutine stops when ctx is cancelled.
func StartRetentionTicker(ctx context.Context, s *Store, maxDays int, interval time.Duration) {
	if maxDays <= 0 {
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
				s.pruneOlderThan(ctx, maxDays)
			}
		}
	}()
}

func (s *Store) pruneOlderThan(ctx context.Context, maxDays int) {
	cutoff := time.Now().AddDate(0, 0, -maxDays)
	n, err := s.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("journal retention cleanup failed", "error", err)
		return
	}
	if n == 0 {
		return
	}
	s.logger.Info("journal retention cleanup", "deleted", n, "max_days", maxDays)
}
