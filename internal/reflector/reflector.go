// Package reflector implements the TWAMP Session-Reflector (RFC 5357 §4.2,
// unauthenticated mode): it loops on a bound UDP socket, decodes each
// incoming test packet, and reflects it back to the sender with reflector
// timestamps added.
package reflector

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-twamp/internal/logging"
	"github.com/kstaniek/go-twamp/internal/metrics"
	"github.com/kstaniek/go-twamp/internal/twamp"
)

const maxDatagramSize = 65507

// Reflector owns one UDP socket for the lifetime of a single test session.
type Reflector struct {
	conn   *net.UDPConn
	logger *slog.Logger
	seq    uint32
}

// New wraps an already-bound UDP socket (bound by the Server state machine
// during BindReflectorUDP) in a Reflector.
func New(conn *net.UDPConn, logger *slog.Logger) *Reflector {
	if logger == nil {
		logger = logging.L()
	}
	return &Reflector{conn: conn, logger: logger}
}

// Run loops until ctx is cancelled or the socket is closed, reflecting each
// received test packet. It never returns an error on a clean shutdown
// (context cancellation or use of a closed connection).
func (r *Reflector) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()
	for {
		_ = r.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			r.logger.Warn("reflector_read_error", "error", err)
			metrics.IncError(metrics.ErrUDPRead)
			continue
		}
		recvAt := twamp.Now()
		in, err := twamp.UnmarshalSenderTestPacket(buf[:n])
		if err != nil {
			r.logger.Debug("reflector_malformed_packet", "error", err, "src", src.String())
			metrics.IncMalformed()
			continue
		}

		out := twamp.ReflectorTestPacket{
			SeqNo:               r.seq,
			RecvTimestamp:       recvAt,
			SenderSeqNo:         in.SeqNo,
			SenderTimestamp:     in.Timestamp,
			SenderErrorEstimate: in.ErrorEstimate,
			SenderTTL:           senderTTL(r.conn),
		}
		r.seq++

		replyLen := n
		if replyLen < twamp.ReflectorTestPacketSize {
			replyLen = twamp.ReflectorTestPacketSize
		}
		replyBuf := make([]byte, replyLen)
		out.Timestamp = twamp.Now()
		if _, err := out.Marshal(replyBuf, replyLen-twamp.ReflectorTestPacketSize); err != nil {
			r.logger.Warn("reflector_marshal_error", "error", err)
			continue
		}
		if _, err := r.conn.WriteToUDP(replyBuf, src); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("reflector_write_error", "error", err)
			metrics.IncError(metrics.ErrUDPWrite)
			continue
		}
		metrics.IncTestReflected()
	}
}
