// Package controlserver implements the TWAMP-Control server state machine
// (RFC 5357 §3.1, unauthenticated mode only), driving each accepted TCP
// connection through: Accepting → SendGreeting → ReadSetUp →
// SendServerStart → ReadRequest → BindReflectorUDP → SendAccept →
// ReadStartSessions → SpawnReflector → SendStartAck → AwaitStop → Closed.
//
// The server holds one control connection per remote peer concurrently;
// distinct peers are served on independent goroutines. Each connection
// carries at most one TWAMP-Test session in this profile.
package controlserver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-twamp/internal/logging"
	"github.com/kstaniek/go-twamp/internal/metrics"
	"github.com/kstaniek/go-twamp/internal/reflector"
	"github.com/kstaniek/go-twamp/internal/twamp"
	"github.com/rs/xid"
)

// Server owns the TCP listener and coordinates control-connection lifecycle.
type Server struct {
	mu          sync.RWMutex
	addr        string
	reflectHost string

	handshakeTimeout time.Duration
	sessionTimeout   time.Duration

	readyOnce sync.Once
	readyCh   chan struct{}

	listener net.Listener
	wg       sync.WaitGroup
	logger   *slog.Logger

	nextConnID      uint64
	totalAccepted   atomic.Uint64
	totalSessions   atomic.Uint64
	totalRejected   atomic.Uint64
	totalProtoError atomic.Uint64

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultSessionTimeout   = 5 * time.Minute
)

type ServerOption func(*Server)

// NewServer constructs a Server. The default listen address is TCP port
// 862 on all interfaces.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		handshakeTimeout: defaultHandshakeTimeout,
		sessionTimeout:   defaultSessionTimeout,
		readyCh:          make(chan struct{}),
		logger:           logging.L(),
		conns:            make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":862"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithReflectHost(h string) ServerOption { return func(s *Server) { s.reflectHost = h } }
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}
func WithSessionTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.sessionTimeout = d
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Serve accepts TCP control connections and drives each through the state
// machine on its own goroutine until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			return wrap
		}
		s.totalAccepted.Add(1)
		connID := atomic.AddUint64(&s.nextConnID, 1)
		connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(30 * time.Second)
		}
		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				_ = conn.Close()
				s.connsMu.Lock()
				delete(s.conns, conn)
				s.connsMu.Unlock()
			}()
			s.handleConn(ctx, conn, connLogger)
		}()
	}
}

// Shutdown closes the listener and every open control connection, then
// waits for all connection handlers to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "sessions", s.totalSessions.Load(), "rejected", s.totalRejected.Load(), "proto_errors", s.totalProtoError.Load())
		return nil
	}
}

func fullRead(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnRead, err)
		}
		total += n
	}
	return nil
}

func fullWrite(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnWrite, err)
		}
		total += n
	}
	return nil
}

func newSID() [16]byte {
	var sid [16]byte
	id := xid.New() // 12 bytes, remaining 4 bytes MBZ
	copy(sid[:], id.Bytes())
	return sid
}

// handleConn drives one control connection through the full server state
// machine. A Set-Up-Response or Request-TW-Session that fails to decode, an
// unsupported mode, or a failed reflector bind is answered with the closest
// Accept code before the connection is closed; any other unexpected or
// undecodable PDU closes the connection without a reply.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	logger.Info("client_connected")
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	_ = conn.SetDeadline(time.Now().Add(s.handshakeTimeout))

	// SendGreeting
	greeting := twamp.ServerGreeting{Modes: twamp.ModeUnauthenticated, Count: 1024}
	_, _ = rand.Read(greeting.Challenge[:])
	_, _ = rand.Read(greeting.Salt[:])
	enc := greeting.Encode()
	if err := fullWrite(conn, enc[:]); err != nil {
		s.logProtoErr(logger, err)
		return
	}
	metrics.IncControlSent("ServerGreeting")
	logger.Info("control_pdu_sent", "pdu", "ServerGreeting")

	// ReadSetUp
	var setupBuf [164]byte
	if err := fullRead(conn, setupBuf[:]); err != nil {
		s.logProtoErr(logger, err)
		return
	}
	setup, err := twamp.DecodeSetUpResponse(setupBuf)
	if err != nil {
		s.rejectServerStart(conn, logger, twamp.AcceptFailure)
		return
	}
	metrics.IncControlRecv("Set-Up-Response")
	logger.Info("control_pdu_received", "pdu", "Set-Up-Response")

	accept := twamp.AcceptOk
	if setup.Mode&twamp.ModeUnauthenticated == 0 {
		accept = twamp.AcceptNotSupported
	}

	// SendServerStart
	start := twamp.ServerStart{Accept: accept, StartTime: twamp.Now()}
	sEnc := start.Encode()
	if err := fullWrite(conn, sEnc[:]); err != nil {
		s.logProtoErr(logger, err)
		return
	}
	metrics.IncControlSent("Server-Start")
	logger.Info("control_pdu_sent", "pdu", "Server-Start")
	if accept != twamp.AcceptOk {
		logger.Warn("mode_not_supported", "mode", setup.Mode)
		return
	}

	// ReadRequest
	var reqBuf [112]byte
	if err := fullRead(conn, reqBuf[:]); err != nil {
		s.logProtoErr(logger, err)
		return
	}
	req, err := twamp.DecodeRequestTWSession(reqBuf)
	if err != nil {
		s.rejectAcceptSession(conn, logger, twamp.AcceptFailure)
		return
	}
	metrics.IncControlRecv("Request-TW-Session")
	logger.Info("control_pdu_received", "pdu", "Request-TW-Session")

	// BindReflectorUDP
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.reflectHost), Port: 0})
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrBindUDP, err)
		s.logProtoErr(logger, wrap)
		s.rejectAcceptSession(conn, logger, twamp.AcceptTempResourceLimit)
		return
	}
	reflectorPort := udpConn.LocalAddr().(*net.UDPAddr).Port

	// SendAccept
	sid := newSID()
	acceptPDU := twamp.AcceptSession{Accept: twamp.AcceptOk, Port: uint16(reflectorPort), SID: sid}
	aEnc := acceptPDU.Encode()
	if err := fullWrite(conn, aEnc[:]); err != nil {
		_ = udpConn.Close()
		s.logProtoErr(logger, err)
		return
	}
	metrics.IncControlSent("Accept-Session")
	logger.Info("control_pdu_sent", "pdu", "Accept-Session")
	logger.Info("session_negotiated", "reflector_port", reflectorPort, "sender_port", req.SenderPort)

	// ReadStartSessions. RFC 5357 permits additional Request-TW-Session
	// PDUs before a single Start-Sessions, but this profile holds only one
	// active reflector per connection, so any further request is rejected
	// with TempResourceLimit rather than accepted.
	_ = conn.SetDeadline(time.Now().Add(s.sessionTimeout))
	var startBuf [32]byte
	for {
		if err := fullRead(conn, startBuf[:1]); err != nil {
			_ = udpConn.Close()
			s.logProtoErr(logger, err)
			return
		}
		switch startBuf[0] {
		case byte(twamp.CommandRequestTWSession):
			var rest [111]byte
			if err := fullRead(conn, rest[:]); err != nil {
				_ = udpConn.Close()
				s.logProtoErr(logger, err)
				return
			}
			s.totalRejected.Add(1)
			metrics.IncControlRecv("Request-TW-Session")
			reject := twamp.AcceptSession{Accept: twamp.AcceptTempResourceLimit}
			renc := reject.Encode()
			if err := fullWrite(conn, renc[:]); err != nil {
				_ = udpConn.Close()
				s.logProtoErr(logger, err)
				return
			}
			metrics.IncControlSent("Accept-Session")
			logger.Warn("second_session_request_rejected")
			continue
		case byte(twamp.CommandStartSessions):
			if err := fullRead(conn, startBuf[1:]); err != nil {
				_ = udpConn.Close()
				s.logProtoErr(logger, err)
				return
			}
		default:
			_ = udpConn.Close()
			s.totalProtoError.Add(1)
			logger.Warn("unexpected_pdu_awaiting_start", "command", startBuf[0])
			return
		}
		break
	}
	if _, err := twamp.DecodeStartSessions(startBuf); err != nil {
		_ = udpConn.Close()
		s.totalProtoError.Add(1)
		logger.Warn("start_sessions_decode_error", "error", err)
		return
	}
	metrics.IncControlRecv("Start-Sessions")
	logger.Info("control_pdu_received", "pdu", "Start-Sessions")

	// SpawnReflector
	refl := reflector.New(udpConn, logger)
	reflDone := make(chan struct{})
	go func() {
		defer close(reflDone)
		if err := refl.Run(sessionCtx); err != nil {
			logger.Warn("reflector_run_error", "error", err)
		}
	}()
	s.totalSessions.Add(1)
	metrics.IncSessionStarted()

	// SendStartAck
	ack := twamp.StartAck{Accept: twamp.AcceptOk}
	ackEnc := ack.Encode()
	if err := fullWrite(conn, ackEnc[:]); err != nil {
		cancelSession()
		<-reflDone
		s.logProtoErr(logger, err)
		return
	}
	metrics.IncControlSent("Start-Ack")
	logger.Info("control_pdu_sent", "pdu", "Start-Ack")

	// AwaitStop
	_ = conn.SetDeadline(time.Now().Add(s.sessionTimeout))
	var stopBuf [32]byte
	err = fullRead(conn, stopBuf[:])
	cancelSession()
	<-reflDone
	metrics.IncSessionStopped()
	if err != nil {
		if errors.Is(err, ErrConnRead) {
			logger.Warn("control_connection_dropped_mid_session", "error", err)
		}
		return
	}
	if _, err := twamp.DecodeStopSessions(stopBuf); err != nil {
		logger.Warn("stop_sessions_decode_error", "error", err)
		return
	}
	metrics.IncControlRecv("Stop-Sessions")
	logger.Info("control_pdu_received", "pdu", "Stop-Sessions")
	logger.Info("session_stopped")
}

func (s *Server) logProtoErr(logger *slog.Logger, err error) {
	s.totalProtoError.Add(1)
	metrics.IncError(mapErrToMetric(err))
	logger.Warn("control_protocol_error", "error", err)
}

func (s *Server) rejectServerStart(conn net.Conn, logger *slog.Logger, accept twamp.Accept) {
	s.totalRejected.Add(1)
	p := twamp.ServerStart{Accept: accept}
	enc := p.Encode()
	_ = fullWrite(conn, enc[:])
	logger.Warn("server_start_rejected", "accept", accept)
}

func (s *Server) rejectAcceptSession(conn net.Conn, logger *slog.Logger, accept twamp.Accept) {
	s.totalRejected.Add(1)
	p := twamp.AcceptSession{Accept: accept}
	enc := p.Encode()
	_ = fullWrite(conn, enc[:])
	logger.Warn("accept_session_rejected", "accept", accept)
}
