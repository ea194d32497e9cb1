package controlserver

import (
	"errors"

	"github.com/kstaniek/go-twamp/internal/metrics"
	"github.com/kstaniek/go-twamp/internal/twamp"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen     = errors.New("listen")
	ErrAccept     = errors.New("accept")
	ErrConnRead   = errors.New("conn_read")
	ErrConnWrite  = errors.New("conn_write")
	ErrBindUDP    = errors.New("bind_udp")
	ErrContext    = errors.New("context_cancelled")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrBindUDP):
		return metrics.ErrUDPWrite
	case errors.Is(err, ErrContext):
		return "context"
	default:
		var pe *twamp.ProtocolError
		if errors.As(err, &pe) {
			return metrics.ErrDecode
		}
		return "other"
	}
}
