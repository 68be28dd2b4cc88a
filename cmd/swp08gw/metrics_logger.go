package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/proswitch/swp08gw/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_rx", snap.FramesRx,
					"frames_tx", snap.FramesTx,
					"acks_rx", snap.AcksRx,
					"naks_rx", snap.NaksRx,
					"retries", snap.Retries,
					"timeouts", snap.Timeouts,
					"malformed", snap.Malformed,
					"cache_size", snap.CacheSize,
					"fanout_clients", snap.FanoutClients,
					"fanout_drops", snap.FanoutDrops,
					"fanout_kicks", snap.FanoutKicks,
					"crosspoint_changes", snap.Crosspoints,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
