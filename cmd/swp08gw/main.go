// Command swp08gw is the SW-P-08 router-control gateway: it speaks the
// ARQ'd Pro-Bel protocol to a single router over TCP or serial, keeps a
// crosspoint/label/salvo cache, and fans that state out to many local
// WebSocket clients, per spec.md. Grounded on the teacher's cmd/can-server
// main.go: flag/env config, logger/metrics/mDNS bring-up, and a
// signal-driven graceful shutdown of the whole transport->link->router->
// fan-out chain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/proswitch/swp08gw/internal/config"
	"github.com/proswitch/swp08gw/internal/fanout"
	"github.com/proswitch/swp08gw/internal/label"
	"github.com/proswitch/swp08gw/internal/link"
	"github.com/proswitch/swp08gw/internal/metrics"
	"github.com/proswitch/swp08gw/internal/router"
	"github.com/proswitch/swp08gw/internal/salvo"
)

const defaultShutdownTimeout = 5 * time.Second

func main() {
	cfg, showVersion, err := config.Parse(os.Args[1:])
	if showVersion {
		fmt.Printf("swp08gw %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "swp08gw:", err)
		os.Exit(2)
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	l.Info("starting", "version", version, "commit", commit, "transport", cfg.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	startMetricsLogger(ctx, cfg.LogMetricsEvery, l, &wg)

	var metricsSrv interface{ Close() error }
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.StartHTTP(cfg.MetricsAddr)
		l.Info("metrics_listen", "addr", cfg.MetricsAddr)
	}

	hub := fanout.New()
	hub.OutBufSize = cfg.HubBuffer
	if cfg.HubPolicy == "kick" {
		hub.Policy = fanout.PolicyKick
	} else {
		hub.Policy = fanout.PolicyDrop
	}
	labels := label.New()
	salvos := salvo.New()

	var rt *router.Router
	ready := make(chan struct{})

	if !cfg.AutoConnect {
		// auto_connect=false: serve the fan-out endpoint against a router
		// bound to an unopened link, so clients can still query cached
		// labels/salvos. No tallies arrive, so the crosspoint cache holds
		// only the pending entries written by take requests, and no runtime
		// API opens the link.
		tr, err := newTransport(cfg)
		if err != nil {
			l.Error("transport_build_failed", "err", err)
			os.Exit(1)
		}
		rt = router.New(link.New(tr), router.Config{
			MaxSources:      cfg.MaxSources,
			MaxDestinations: cfg.MaxDestinations,
			MaxLevels:       cfg.MaxLevels,
			ReconcilePacing: 100 * time.Millisecond,
		})
		rt.Run()
		close(ready)
	} else {
		wg.Add(1)
		go runLinkWithReconnect(ctx, cfg, &rt, l, &wg, ready)
	}

	select {
	case <-ready:
	case <-ctx.Done():
		wg.Wait()
		return
	}

	fsrv := fanout.NewServer(hub, rt, labels, salvos, cfg.ClientAllowedOrigin, string(cfg.Transport))
	fsrv.ReadTimeout = cfg.ClientReadTimeout

	// Ready when the fan-out listener is bound and the context is live.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-fsrv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})

	stopMDNS, err := startMDNS(ctx, cfg, cfg.ClientListen)
	if err != nil {
		l.Warn("mdns_start_failed", "err", err)
		stopMDNS = func() {}
	}

	srvErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		srvErr <- fsrv.Serve(ctx, cfg.ClientListen)
	}()

	select {
	case <-ctx.Done():
		l.Info("shutting_down")
	case err := <-srvErr:
		if err != nil {
			l.Error("fanout_server_failed", "err", err)
		}
		stop()
	}

	stopMDNS()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := fsrv.Shutdown(shutdownCtx); err != nil {
		l.Warn("fanout_shutdown_error", "err", err)
	}
	rt.Close()
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	wg.Wait()
	l.Info("stopped")
}
