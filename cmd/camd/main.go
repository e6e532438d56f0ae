package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-cam360/internal/devsim"
	"github.com/kstaniek/go-cam360/internal/hub"
	"github.com/kstaniek/go-cam360/internal/keepalive"
	"github.com/kstaniek/go-cam360/internal/metrics"
	"github.com/kstaniek/go-cam360/internal/server"
	"github.com/kstaniek/go-cam360/internal/session"
	"github.com/kstaniek/go-cam360/internal/upgrade"
)

func main() {
	cfg, showVersion, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "camd: %v\n", err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("camd %s (commit %s, built %s, sdk %s)\n", version, commit, date, session.SDKVersion())
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := run(ctx, cfg, l, nil); err != nil {
		l.Error("camd_exit", "error", err)
		os.Exit(1)
	}
}

// daemon exposes the running components to tests.
type daemon struct {
	sess *session.Session
	up   *upgrade.Controller
	srv  *server.Server
	hub  *hub.Hub
	sim  *devsim.Device
}

// run wires the session, relay server and background monitors and blocks
// until ctx is cancelled or the relay listener fails.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger, onReady func(*daemon)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	h := initHub(cfg, l)
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	be, err := initBackend(cfg, l)
	if err != nil {
		return fmt.Errorf("backend init: %w", err)
	}
	defer be.cleanup()

	sv := newSupervisor(l)
	sess, err := session.Init(be.open,
		session.WithLogger(l),
		session.WithCommandTimeout(cfg.cmdTimeout),
		session.WithSinkBuffer(cfg.sinkBuffer),
		session.WithStateHook(sv.stateHook),
	)
	if err != nil {
		return err
	}
	defer session.Destroy()
	sv.sess = sess
	sess.SetObserver(h)

	up := upgrade.New(sess,
		upgrade.WithLogger(l),
		upgrade.WithProgressCallback(func(p upgrade.Progress) {
			l.Info("upgrade_progress", "job", p.JobID, "status", p.Status.String(), "percent", p.Percent)
		}),
	)
	defer up.Close()

	mon := keepalive.New(sess,
		keepalive.WithHeartbeat(cfg.heartbeat),
		keepalive.WithIdlePowerOff(cfg.idlePowerOff),
		keepalive.WithBusy(up.Active),
		keepalive.WithLogger(l),
	)
	wg.Add(2)
	go func() { defer wg.Done(); mon.Run(ctx) }()
	go func() { defer wg.Done(); sv.Run(ctx) }()
	if cfg.hotplug {
		wg.Add(1)
		go func() { defer wg.Done(); watchHotplug(ctx, cfg, sv, l) }()
	}

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithExec(newExecFunc(sess, up)),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-srvErr:
		cancel()
		wg.Wait()
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("relay server: %w", err)
	}

	if cfg.mdnsEnable {
		port := portOf(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
			defer cleanupMDNS()
		}
	}

	// Ready when the relay listens and the camera session is usable.
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && sess.IsValid() })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	l.Info("ready", "listen", srv.Addr(), "backend", cfg.backend, "session", sess.ID())
	if onReady != nil {
		onReady(&daemon{sess: sess, up: up, srv: srv, hub: h, sim: be.sim})
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-srvErr:
		if serveErr != nil {
			l.Error("tcp_server_error", "error", serveErr)
		}
	}
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		l.Warn("shutdown_incomplete", "error", err)
	}
	wg.Wait()
	return serveErr
}

// portOf extracts the port from a bound address (host:port or :port).
func portOf(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, err := strconv.Atoi(addr[i+1:]); err == nil {
			return pn
		}
	}
	return 0
}
