// Package twamp implements the TWAMP-Control and TWAMP-Test wire formats
// (RFC 5357), unauthenticated mode only: the NTP timestamp codec, the
// control PDU codec, and the test packet codec.
package twamp

import "time"

// ntpUnixOffset is the number of seconds between the NTP epoch
// (1900-01-01 00:00:00 UTC) and the Unix epoch (1970-01-01 00:00:00 UTC).
const ntpUnixOffset = 2208988800

// twoPow32 scales a fractional second into a 32-bit binary fixed-point value.
const twoPow32 = 1 << 32

// Timestamp is the RFC 1305 NTP 64-bit timestamp: seconds since the NTP
// epoch and a fractional second as a 32-bit binary fixed-point value.
// The zero value denotes "not yet set".
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// Now samples the system's real-time clock and converts it to NTP format.
func Now() Timestamp { return FromTime(time.Now()) }

// FromTime converts a wall-clock instant to NTP format.
func FromTime(t time.Time) Timestamp {
	unixSec := t.Unix()
	nsec := t.Nanosecond()
	sec := uint32(unixSec + ntpUnixOffset)
	frac := uint32((uint64(nsec) * twoPow32) / 1e9)
	return Timestamp{Seconds: sec, Fraction: frac}
}

// Time converts an NTP timestamp back to a wall-clock instant. The zero
// timestamp converts to the zero time.Time.
func (t Timestamp) Time() time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	unixSec := int64(t.Seconds) - ntpUnixOffset
	nsec := (int64(t.Fraction) * 1e9) / twoPow32
	return time.Unix(unixSec, nsec).UTC()
}

// IsZero reports whether the timestamp has never been set.
func (t Timestamp) IsZero() bool { return t.Seconds == 0 && t.Fraction == 0 }

// Encode serializes the timestamp as 8 big-endian bytes.
func (t Timestamp) Encode() [8]byte {
	var b [8]byte
	putUint32(b[0:4], t.Seconds)
	putUint32(b[4:8], t.Fraction)
	return b
}

// DecodeTimestamp deserializes 8 big-endian bytes into a Timestamp.
func DecodeTimestamp(b [8]byte) Timestamp {
	return Timestamp{
		Seconds:  getUint32(b[0:4]),
		Fraction: getUint32(b[4:8]),
	}
}

// Sub computes the signed nanosecond duration from b to a (a − b), computed
// in wide integer arithmetic to avoid overflow across the full u32 range.
func Sub(a, b Timestamp) int64 {
	secDiff := int64(a.Seconds) - int64(b.Seconds)
	fracDiff := int64(a.Fraction) - int64(b.Fraction)
	return secDiff*1e9 + (fracDiff*1e9)/twoPow32
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
