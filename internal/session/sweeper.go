package session

import (
	"context"
	"log/slog"
	"time"
)

const sweepInterval = 5 * time.Minute

// EvictCallback is called for every session token evicted by a sweep.
type EvictCallback func(token string)

// StartSweeper runs a background goroutine that periodically saves and
// evicts live sessions idle for longer than ttl.
func StartSweeper(ctx context.Context, svc *Service, ttl time.Duration, onEvict EvictCallback) {
	startSweeper(ctx, svc, ttl, sweepInterval, onEvict)
}

func startSweeper(ctx context.Context, svc *Service, ttl, interval time.Duration, onEvict EvictCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, svc, ttl, onEvict)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, svc *Service, ttl time.Duration, onEvict EvictCallback) {
	evicted, err := svc.Evict(ctx, svc.now().Add(-ttl))
	if err != nil {
		slog.Error("Session sweeper failed to list idle sessions", "error", err)
		return
	}
	if len(evicted) == 0 {
		return
	}
	slog.Info("Session sweeper evicted idle sessions", "count", len(evicted))
	if onEvict != nil {
		for _, token := range evicted {
			onEvict(token)
		}
	}
}
