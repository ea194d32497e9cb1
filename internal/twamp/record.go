package twamp

import "time"

// SessionRecord is the per-test-packet bookkeeping entry held by the
// Controller: created on send, mutated when a matching reply arrives,
// consumed by the metrics engine once the session ends.
type SessionRecord struct {
	Seq             uint32
	SentAt          time.Time // local monotonic send time
	SenderTSWire    Timestamp // Timestamp this process wrote into the sent packet
	RecvTSWire      Timestamp // reflector's RecvTimestamp (wire)
	ReflectorTSWire Timestamp // reflector's Timestamp (wire, its own send time)
	ReceivedAt      time.Time // local monotonic receive time
	Present         bool
}
