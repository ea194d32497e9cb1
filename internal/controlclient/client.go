// Package controlclient implements the TWAMP-Control client state machine
// (RFC 5357 §3.1), driving the single TCP connection through:
// Connecting → ReadGreeting → SendSetUp → ReadServerStart → SendRequest →
// ReadAccept → SendStart → ReadStartAck → Testing → SendStop → Closed.
//
// Transitions are strictly sequential; the client never pipelines. Every
// decode error or a received Accept != Ok moves directly to Closed with the
// originating error surfaced to the caller.
package controlclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-twamp/internal/logging"
	"github.com/kstaniek/go-twamp/internal/metrics"
	"github.com/kstaniek/go-twamp/internal/twamp"
)

// Config carries everything the caller must supply to drive a session.
type Config struct {
	ResponderAddr  string
	ResponderPort  uint16
	ControllerAddr net.IP // source address reported in Request-TW-Session
	ReflectPort    uint16 // sender's local UDP port (SenderPort)
	NumPackets     uint32
	Timeout        time.Duration
	PaddingLen     uint32
}

// Client drives a single TWAMP-Control session over one TCP connection.
type Client struct {
	conn   net.Conn
	logger *slog.Logger
}

// Dial opens the control TCP connection to the Responder.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.L()
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrDial, err)
		metrics.IncError(mapErrToMetric(wrap))
		return nil, wrap
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return &Client{conn: conn, logger: logger.With("remote", addr)}, nil
}

// Close terminates the control connection. The caller should have already
// sent Stop-Sessions via SendStop.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) setDeadline(d time.Duration) {
	if d > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(d))
	}
}

// fullRead reads exactly len(buf) bytes, retrying on short reads.
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

// fullWrite writes all of buf, retrying on short writes.
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

// ReadGreeting performs the ReadGreeting state: reads and validates the
// ServerGreeting PDU, confirming unauthenticated mode is offered.
func (c *Client) ReadGreeting(readTimeout time.Duration) (twamp.ServerGreeting, error) {
	c.setDeadline(readTimeout)
	var buf [64]byte
	if err := fullRead(c.conn, buf[:]); err != nil {
		metrics.IncError(mapErrToMetric(err))
		return twamp.ServerGreeting{}, err
	}
	g, err := twamp.DecodeServerGreeting(buf)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrDecode, err)
		metrics.IncError(mapErrToMetric(wrap))
		return twamp.ServerGreeting{}, wrap
	}
	if g.Modes&twamp.ModeUnauthenticated == 0 {
		return twamp.ServerGreeting{}, &AcceptNotOkError{Accept: twamp.AcceptNotSupported}
	}
	metrics.IncControlRecv("ServerGreeting")
	c.logger.Info("control_pdu_received", "pdu", "ServerGreeting")
	return g, nil
}

// SendSetUp performs the SendSetUp state: writes Set-Up-Response selecting
// unauthenticated mode.
func (c *Client) SendSetUp(writeTimeout time.Duration) error {
	c.setDeadline(writeTimeout)
	p := twamp.SetUpResponse{Mode: twamp.ModeUnauthenticated}
	enc := p.Encode()
	if err := fullWrite(c.conn, enc[:]); err != nil {
		metrics.IncError(mapErrToMetric(err))
		return err
	}
	metrics.IncControlSent("Set-Up-Response")
	c.logger.Info("control_pdu_sent", "pdu", "Set-Up-Response")
	return nil
}

// ReadServerStart performs the ReadServerStart state.
func (c *Client) ReadServerStart(readTimeout time.Duration) (twamp.ServerStart, error) {
	c.setDeadline(readTimeout)
	var buf [48]byte
	if err := fullRead(c.conn, buf[:]); err != nil {
		metrics.IncError(mapErrToMetric(err))
		return twamp.ServerStart{}, err
	}
	s, err := twamp.DecodeServerStart(buf)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrDecode, err)
		metrics.IncError(mapErrToMetric(wrap))
		return twamp.ServerStart{}, wrap
	}
	if s.Accept != twamp.AcceptOk {
		return twamp.ServerStart{}, &AcceptNotOkError{Accept: s.Accept}
	}
	metrics.IncControlRecv("Server-Start")
	c.logger.Info("control_pdu_received", "pdu", "Server-Start")
	return s, nil
}

// SendRequest performs the SendRequest state.
func (c *Client) SendRequest(req twamp.RequestTWSession, writeTimeout time.Duration) error {
	c.setDeadline(writeTimeout)
	enc := req.Encode()
	if err := fullWrite(c.conn, enc[:]); err != nil {
		metrics.IncError(mapErrToMetric(err))
		return err
	}
	metrics.IncControlSent("Request-TW-Session")
	c.logger.Info("control_pdu_sent", "pdu", "Request-TW-Session")
	return nil
}

// ReadAccept performs the ReadAccept state. On success, the returned
// AcceptSession.Port is the Reflector's UDP port.
func (c *Client) ReadAccept(readTimeout time.Duration) (twamp.AcceptSession, error) {
	c.setDeadline(readTimeout)
	var buf [48]byte
	if err := fullRead(c.conn, buf[:]); err != nil {
		metrics.IncError(mapErrToMetric(err))
		return twamp.AcceptSession{}, err
	}
	a, err := twamp.DecodeAcceptSession(buf)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrDecode, err)
		metrics.IncError(mapErrToMetric(wrap))
		return twamp.AcceptSession{}, wrap
	}
	if a.Accept != twamp.AcceptOk {
		return twamp.AcceptSession{}, &AcceptNotOkError{Accept: a.Accept}
	}
	metrics.IncControlRecv("Accept-Session")
	c.logger.Info("control_pdu_received", "pdu", "Accept-Session", "reflector_port", a.Port)
	return a, nil
}

// SendStart performs the SendStart state.
func (c *Client) SendStart(writeTimeout time.Duration) error {
	c.setDeadline(writeTimeout)
	p := twamp.StartSessions{}
	enc := p.Encode()
	if err := fullWrite(c.conn, enc[:]); err != nil {
		metrics.IncError(mapErrToMetric(err))
		return err
	}
	metrics.IncControlSent("Start-Sessions")
	c.logger.Info("control_pdu_sent", "pdu", "Start-Sessions")
	return nil
}

// ReadStartAck performs the ReadStartAck state, after which the Client is
// in the Testing state and the caller drives the Session-Sender.
func (c *Client) ReadStartAck(readTimeout time.Duration) (twamp.StartAck, error) {
	c.setDeadline(readTimeout)
	var buf [32]byte
	if err := fullRead(c.conn, buf[:]); err != nil {
		metrics.IncError(mapErrToMetric(err))
		return twamp.StartAck{}, err
	}
	a, err := twamp.DecodeStartAck(buf)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrDecode, err)
		metrics.IncError(mapErrToMetric(wrap))
		return twamp.StartAck{}, wrap
	}
	if a.Accept != twamp.AcceptOk {
		return twamp.StartAck{}, &AcceptNotOkError{Accept: a.Accept}
	}
	metrics.IncControlRecv("Start-Ack")
	c.logger.Info("control_pdu_received", "pdu", "Start-Ack")
	return a, nil
}

// WatchIdle polls the idle control connection for the Responder hanging up
// mid-session (RFC 5357 §3.5 permits either side to abort by closing the
// TCP connection). It is meant to run concurrently with the Session-Sender
// during the Testing phase and never reads a real PDU itself: any byte
// other than EOF is unexpected during idle and is also reported. The
// returned channel receives at most one error and is closed when ctx is
// cancelled with nothing to report.
func (c *Client) WatchIdle(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		var b [1]byte
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			_, err := c.conn.Read(b[:])
			if err == nil {
				wrap := fmt.Errorf("%w: unexpected data during idle phase", ErrDecode)
				metrics.IncError(mapErrToMetric(wrap))
				out <- wrap
				return
			}
			if errors.Is(err, io.EOF) {
				wrap := fmt.Errorf("%w", ErrPeerClosed)
				metrics.IncError(mapErrToMetric(wrap))
				c.logger.Warn("control_connection_closed_idle")
				out <- wrap
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Any other I/O error (e.g. use of closed connection on our own
			// Close) ends the watch silently; the caller is already tearing
			// down.
			return
		}
	}()
	return out
}

// SendStop performs the SendStop state, ending the Testing phase and
// transitioning the Client to Closed once the caller calls Close.
func (c *Client) SendStop(writeTimeout time.Duration) error {
	c.setDeadline(writeTimeout)
	p := twamp.StopSessions{Accept: twamp.AcceptOk, NumSessions: 1}
	enc := p.Encode()
	if err := fullWrite(c.conn, enc[:]); err != nil {
		metrics.IncError(mapErrToMetric(err))
		return err
	}
	metrics.IncControlSent("Stop-Sessions")
	c.logger.Info("control_pdu_sent", "pdu", "Stop-Sessions")
	return nil
}
