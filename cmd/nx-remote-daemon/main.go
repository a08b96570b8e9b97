package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/vinnie112/nx-remote-daemon/internal/busstate"
	"github.com/vinnie112/nx-remote-daemon/internal/discovery"
	"github.com/vinnie112/nx-remote-daemon/internal/executor"
	"github.com/vinnie112/nx-remote-daemon/internal/memio"
	"github.com/vinnie112/nx-remote-daemon/internal/metrics"
	"github.com/vinnie112/nx-remote-daemon/internal/notify"
	"github.com/vinnie112/nx-remote-daemon/internal/tcpsrv"
	"github.com/vinnie112/nx-remote-daemon/internal/video"
	"github.com/vinnie112/nx-remote-daemon/internal/xwin"
)

// Helper implementations moved to dedicated files: version.go, config.go,
// logger.go, mdns.go, metrics_logger.go, video_init.go.

func main() {
	os.Exit(run())
}

// run holds all of the process's deferred cleanup (the /dev/mem descriptor,
// the metrics HTTP server) so that a fatal-subsystem exit path still runs
// it; os.Exit called directly from main would skip every defer in this
// function.
func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("nx-remote-daemon %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 2
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ignoreSIGPIPEAndSIGCHLD()

	bus := busstate.New()

	dm, err := memio.Open()
	if err != nil {
		l.Error("devmem_open_failed", "error", err)
		return 1
	}
	defer dm.Close()
	mapper := devMemMapper{dm: dm}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	videoListener := &tcpsrv.Listener{
		Name: "video",
		Addr: cfg.videoAddr,
		Bus:  bus,
		Edge: bus.RaiseVideoClosed,
		Handler: func(ctx context.Context, conn net.Conn) error {
			capture := &video.Capture{Mapper: mapper, Bus: bus, Logger: l}
			return capture.Run(ctx, conn)
		},
		Logger: l,
	}

	xwinListener := &tcpsrv.Listener{
		Name: "xwin",
		Addr: cfg.xwinAddr,
		Bus:  bus,
		Edge: bus.RaiseXwinClosed,
		Handler: func(ctx context.Context, conn net.Conn) error {
			capture := &xwin.Capture{Spawner: xwin.ExecSpawner{Path: cfg.xwdPath}, Bus: bus, Logger: l}
			return capture.Run(ctx, conn)
		},
		Logger: l,
	}

	notifyListener := &tcpsrv.Listener{
		Name: "notify",
		Addr: cfg.notifyAddr,
		Bus:  bus,
		Edge: bus.RaiseVideoCloseRequest, // the notify socket closing tears down any active video session
		Handler: func(ctx context.Context, conn net.Conn) error {
			mux := &notify.Multiplexer{
				Probe:  notify.ExecProbe{Path: filepath.Join(cfg.appRoot, "bin/xev_probe")},
				Bus:    bus,
				Logger: l,
			}
			return mux.Run(conn)
		},
		Logger: l,
	}

	executorListener := &tcpsrv.Listener{
		Name: "executor",
		Addr: cfg.executorAddr,
		Bus:  bus,
		Edge: bus.RaiseExecutorClosed,
		Handler: func(ctx context.Context, conn net.Conn) error {
			var injector executor.Injector
			closeInjector := func() error { return nil }
			if inj, closer, err := executor.StartInjector(filepath.Join(cfg.appRoot, "bin/input_injector")); err != nil {
				l.Warn("injector_start_failed", "error", err)
			} else {
				injector = inj
				closeInjector = closer.Close
			}
			defer closeInjector()
			d := &executor.Dispatcher{
				Injector: injector,
				LCD:      executor.ExecLCDControl{Path: filepath.Join(cfg.appRoot, "lcd_control.sh")},
				Bus:      bus,
				Logger:   l,
			}
			return executor.Session(conn, d)
		},
		Logger: l,
	}

	listeners := []*tcpsrv.Listener{videoListener, xwinListener, notifyListener, executorListener}
	for _, lst := range listeners {
		lst := lst
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lst.ListenAndServe(ctx); err != nil {
				l.Error("listener_fatal", "port", lst.Name, "error", err)
				cancel()
			}
		}()
	}

	sock, err := discovery.NewBroadcastSocket()
	if err != nil {
		l.Error("discovery_socket_failed", "error", err)
		cancel()
	} else {
		broadcaster := &discovery.Broadcaster{
			Sender: discovery.UDPSender{Conn: sock},
			Popup:  discovery.ExecPopupScript{Path: filepath.Join(cfg.appRoot, "popup_timeout.sh")},
			Bus:    bus,
			Logger: l,
			Dest:   cfg.discoveryTo,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sock.Close()
			if err := broadcaster.Run(ctx); err != nil && ctx.Err() == nil {
				l.Error("discovery_broadcaster_error", "error", err)
			}
		}()
	}

	if cfg.mdnsEnable {
		go func() {
			cleanup, err := startMDNS(ctx, cfg, executorPort(cfg.executorAddr))
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName)
			go func() { <-ctx.Done(); cleanup() }()
		}()
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
		l.Error("fatal_subsystem_failure", "error", ctx.Err())
		exitCode = 1
	}
	cancel()
	wg.Wait()
	return exitCode
}

// executorPort extracts the numeric port from a "host:port" listen address
// for the optional mDNS service record; 0 if it can't be parsed.
func executorPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
