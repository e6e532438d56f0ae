package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-cam360/internal/metrics"
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
					"link_rx", snap.LinkRx,
					"link_tx", snap.LinkTx,
					"commands", snap.Commands,
					"command_failures", snap.CommandFailures,
					"video_units", snap.VideoUnits,
					"audio_units", snap.AudioUnits,
					"events", snap.Events,
					"sink_drops", snap.SinkDrops,
					"relay_rx", snap.RelayRx,
					"relay_tx", snap.RelayTx,
					"hub_drops", snap.HubDrops,
					"hub_clients", snap.HubClients,
					"errors", snap.Errors,
					"upgrade_percent", snap.UpgradePercent,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
