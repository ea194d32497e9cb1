// Command twamp-responder runs the TWAMP Server + Session-Reflector
// (RFC 5357 unauthenticated mode): it accepts TWAMP-Control connections and
// reflects TWAMP-Test packets for each negotiated session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kstaniek/go-twamp/internal/controlserver"
	"github.com/kstaniek/go-twamp/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("twamp-responder %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 1
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := controlserver.NewServer(
		controlserver.WithListenAddr(cfg.listenAddr),
		controlserver.WithReflectHost(cfg.reflectHost),
		controlserver.WithLogger(l),
		controlserver.WithHandshakeTimeout(cfg.handshakeTimeout),
		controlserver.WithSessionTimeout(cfg.sessionTimeout),
	)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv = metrics.StartHTTP(cfg.metricsAddr)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case err := <-serveErrCh:
		if err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
			return 1
		}
	}
	cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(context.Background())
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		l.Error("shutdown_error", "error", err)
		return 1
	}
	return 0
}
