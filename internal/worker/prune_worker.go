package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner drops local state older than a cutoff.
type Pruner interface {
	PruneDismissed(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartLocalStatePruner periodically removes banner dismissals older than
// retention. Dismissals only matter while a banner could still be shown.
func StartLocalStatePruner(ctx context.Context, store Pruner, interval, retention time.Duration, logger *zap.Logger) {
	if store == nil || interval <= 0 || retention <= 0 {
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
				pruneOnce(ctx, store, retention, logger)
			}
		}
	}()
}

func pruneOnce(ctx context.Context, store Pruner, retention time.Duration, logger *zap.Logger) {
	removed, err := store.PruneDismissed(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Warn("prune dismissed banners failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Debug("pruned dismissed banners", zap.Int64("count", removed))
	}
}
