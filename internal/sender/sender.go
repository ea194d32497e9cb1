// Package sender implements the TWAMP Session-Sender (RFC 5357 §4.1,
// unauthenticated mode): it transmits test packets at a configured cadence,
// records send timestamps, and matches replies back to their originals by
// sequence number, tolerating reordering, loss, and duplicates.
package sender

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-twamp/internal/logging"
	"github.com/kstaniek/go-twamp/internal/metrics"
	"github.com/kstaniek/go-twamp/internal/twamp"
)

// Config parameterizes one test session.
type Config struct {
	NumPackets     uint32
	PaddingLen     uint32
	InterPacketGap time.Duration
	Timeout        time.Duration
}

// Sender owns one UDP socket dialed at the reflector's announced endpoint
// for the lifetime of a single test session.
type Sender struct {
	conn   *net.UDPConn
	cfg    Config
	logger *slog.Logger
}

// New wraps an already-connected UDP socket (dialed by the caller to the
// reflector's address/port from Accept-Session) in a Sender.
func New(conn *net.UDPConn, cfg Config, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = logging.L()
	}
	if cfg.InterPacketGap <= 0 {
		cfg.InterPacketGap = 10 * time.Millisecond
	}
	return &Sender{conn: conn, cfg: cfg, logger: logger}
}

type reply struct {
	pkt        twamp.ReflectorTestPacket
	receivedAt time.Time
}

// Run transmits cfg.NumPackets test packets and collects replies until
// either all have arrived or the timeout elapses since the last send. It
// returns one SessionRecord per packet sent, in send order.
func (s *Sender) Run(ctx context.Context) ([]twamp.SessionRecord, error) {
	records := make([]twamp.SessionRecord, s.cfg.NumPackets)
	replies := make(chan reply, s.cfg.NumPackets)

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go s.receiveLoop(recvCtx, replies)

	sendBuf := make([]byte, twamp.SenderTestPacketMinSize+int(s.cfg.PaddingLen))
	for seq := uint32(0); seq < s.cfg.NumPackets; seq++ {
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		default:
		}
		pkt := twamp.SenderTestPacket{
			SeqNo:         seq,
			Timestamp:     twamp.Now(),
			ErrorEstimate: twamp.DefaultErrorEstimate,
		}
		n, err := pkt.Marshal(sendBuf, int(s.cfg.PaddingLen))
		if err != nil {
			return records, err
		}
		sentAt := time.Now()
		if _, err := s.conn.Write(sendBuf[:n]); err != nil {
			metrics.IncError(metrics.ErrUDPWrite)
			return records, err
		}
		records[seq] = twamp.SessionRecord{
			Seq:          seq,
			SentAt:       sentAt,
			SenderTSWire: pkt.Timestamp,
		}
		metrics.IncTestSent()
		if seq+1 < s.cfg.NumPackets {
			time.Sleep(s.cfg.InterPacketGap)
		}
	}

	present := 0
	deadline := time.Now().Add(s.cfg.Timeout)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for present < int(s.cfg.NumPackets) {
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		case <-timer.C:
			s.logger.Warn("sender_timeout", "present", present, "expected", s.cfg.NumPackets)
			return records, nil
		case r := <-replies:
			seq := r.pkt.SenderSeqNo
			if seq >= uint32(len(records)) {
				continue
			}
			if records[seq].Present {
				metrics.IncTestDuplicate()
				s.logger.Debug("duplicate_reply", "seq", seq)
				continue
			}
			records[seq].Present = true
			records[seq].RecvTSWire = r.pkt.RecvTimestamp
			records[seq].ReflectorTSWire = r.pkt.Timestamp
			records[seq].ReceivedAt = r.receivedAt
			present++
			metrics.IncTestReceived()
		}
	}
	return records, nil
}

func (s *Sender) receiveLoop(ctx context.Context, out chan<- reply) {
	buf := make([]byte, 65507)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := s.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.Debug("sender_read_error", "error", err)
			continue
		}
		receivedAt := time.Now()
		pkt, err := twamp.UnmarshalReflectorTestPacket(buf[:n])
		if err != nil {
			s.logger.Debug("sender_malformed_reply", "error", err)
			metrics.IncMalformed()
			continue
		}
		select {
		case out <- reply{pkt: pkt, receivedAt: receivedAt}:
		case <-ctx.Done():
			return
		}
	}
}
