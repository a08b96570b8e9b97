package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vinnie112/nx-remote-daemon/internal/metrics"
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
					"video_frames", snap.VideoFrames,
					"xwin_sent", snap.XwinSent,
					"xwin_skipped", snap.XwinSkipped,
					"xwin_frames", snap.XwinFrames,
					"notify_pings", snap.NotifyPings,
					"discovery_sent", snap.DiscoverySent,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
