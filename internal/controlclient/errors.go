package controlclient

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-twamp/internal/metrics"
	"github.com/kstaniek/go-twamp/internal/twamp"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrDial      = errors.New("dial")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrDecode    = errors.New("decode")
	// ErrPeerClosed reports the Responder closing the control connection
	// while the Control-Client was idle in the Testing phase.
	ErrPeerClosed = errors.New("peer_closed_mid_session")
)

// AcceptNotOkError reports a remote Accept byte other than Ok, surfaced as
// a distinct Protocol error kind per the spec's literal scenario 6.
type AcceptNotOkError struct {
	Accept twamp.Accept
}

func (e *AcceptNotOkError) Error() string {
	return fmt.Sprintf("twamp: Protocol/AcceptNotOk(%d)", e.Accept)
}

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrDecode):
		return metrics.ErrDecode
	case errors.Is(err, ErrDial):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrPeerClosed):
		return metrics.ErrProtocol
	default:
		var pe *twamp.ProtocolError
		if errors.As(err, &pe) {
			return metrics.ErrDecode
		}
		var ae *AcceptNotOkError
		if errors.As(err, &ae) {
			return metrics.ErrProtocol
		}
		return "other"
	}
}
