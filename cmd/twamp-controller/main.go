// Command twamp-controller runs the TWAMP Control-Client + Session-Sender
// (RFC 5357 unauthenticated mode): it negotiates a test session against a
// Responder, drives the test packet exchange, and prints a metrics report.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kstaniek/go-twamp/internal/controlclient"
	"github.com/kstaniek/go-twamp/internal/metrics"
	"github.com/kstaniek/go-twamp/internal/metricsengine"
	"github.com/kstaniek/go-twamp/internal/report"
	"github.com/kstaniek/go-twamp/internal/sender"
	"github.com/kstaniek/go-twamp/internal/twamp"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("twamp-controller %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 1
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	}

	records, err := runSession(ctx, cfg, l)
	if err != nil {
		l.Error("session_failed", "error", err)
		return 1
	}

	result := metricsengine.Compute(records)
	report.Print(os.Stdout, result)
	if result.InsufficientData {
		return 1
	}
	return 0
}

// runSession drives the Control-Client through its full state machine and
// the Session-Sender through the Testing phase, returning per-packet
// records for metrics computation.
func runSession(ctx context.Context, cfg *appConfig, l interface {
	Info(string, ...any)
	Error(string, ...any)
	Warn(string, ...any)
}) ([]twamp.SessionRecord, error) {
	responderTCPAddr := fmt.Sprintf("%s:%d", cfg.responderAddr, cfg.responderPort)
	client, err := controlclient.Dial(ctx, responderTCPAddr, nil)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	const handshakeTimeout = 5 * time.Second

	if _, err := client.ReadGreeting(handshakeTimeout); err != nil {
		return nil, err
	}
	if err := client.SendSetUp(handshakeTimeout); err != nil {
		return nil, err
	}
	if _, err := client.ReadServerStart(handshakeTimeout); err != nil {
		return nil, err
	}

	controllerIP := net.ParseIP(cfg.controllerAddr)
	responderIP := net.ParseIP(cfg.responderAddr)

	localUDPAddr := &net.UDPAddr{IP: controllerIP, Port: int(cfg.reflectPort)}
	udpConn, err := net.ListenUDP("udp", localUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("bind sender udp socket: %w", err)
	}
	senderPort := uint16(udpConn.LocalAddr().(*net.UDPAddr).Port)

	req := twamp.RequestTWSession{
		SenderPort:   senderPort,
		ReceiverPort: 0,
		SenderAddr:   controllerIP,
		ReceiverAddr: responderIP,
		PaddingLen:   cfg.paddingLen,
		StartTime:    twamp.Now(),
		Timeout:      twamp.FromTime(time.Now().Add(cfg.timeout)),
		TypeP:        0,
	}
	if err := client.SendRequest(req, handshakeTimeout); err != nil {
		udpConn.Close()
		return nil, err
	}
	accept, err := client.ReadAccept(handshakeTimeout)
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	remoteUDPAddr := &net.UDPAddr{IP: responderIP, Port: int(accept.Port)}
	udpConn.Close()
	rebindUDPAddr := &net.UDPAddr{IP: controllerIP, Port: int(senderPort)}
	connectedConn, err := net.DialUDP("udp", rebindUDPAddr, remoteUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("connect sender udp socket: %w", err)
	}
	defer connectedConn.Close()

	if err := client.SendStart(handshakeTimeout); err != nil {
		return nil, err
	}
	if _, err := client.ReadStartAck(handshakeTimeout); err != nil {
		return nil, err
	}

	snd := sender.New(connectedConn, sender.Config{
		NumPackets:     cfg.numPackets,
		PaddingLen:     cfg.paddingLen,
		InterPacketGap: cfg.interPacketGap,
		Timeout:        cfg.timeout,
	}, nil)

	senderCtx, cancelSender := context.WithCancel(ctx)
	defer cancelSender()
	idleErrCh := client.WatchIdle(senderCtx)

	sendDone := make(chan struct{})
	var records []twamp.SessionRecord
	var sendErr error
	go func() {
		records, sendErr = snd.Run(senderCtx)
		close(sendDone)
	}()

	select {
	case <-sendDone:
	case idleErr, ok := <-idleErrCh:
		if ok && idleErr != nil {
			cancelSender()
			<-sendDone
			return records, idleErr
		}
		<-sendDone
	}
	cancelSender()

	if err := client.SendStop(handshakeTimeout); err != nil {
		l.Warn("send_stop_failed", "error", err)
	}

	return records, sendErr
}
