package twamp

import (
	"errors"
	"net"
	"testing"
)

func TestServerGreeting_RoundTrip(t *testing.T) {
	p := ServerGreeting{Modes: ModeUnauthenticated, Count: 1024}
	copy(p.Challenge[:], []byte("0123456789abcdef"))
	copy(p.Salt[:], []byte("fedcba9876543210"))
	enc := p.Encode()
	dec, err := DecodeServerGreeting(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != p {
		t.Errorf("round trip mismatch: got %+v, want %+v", dec, p)
	}
}

func TestServerGreeting_MBZViolation(t *testing.T) {
	p := ServerGreeting{Modes: ModeUnauthenticated}
	enc := p.Encode()
	enc[0] = 0x01 // inside Unused[0:12]
	_, err := DecodeServerGreeting(enc)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != KindMBZViolation || pe.Offset != 0 {
		t.Fatalf("expected MBZViolation{offset=0}, got %v", err)
	}
}

func TestSetUpResponse_RoundTrip(t *testing.T) {
	p := SetUpResponse{Mode: ModeUnauthenticated}
	dec, err := DecodeSetUpResponse(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != p {
		t.Errorf("mismatch: got %+v, want %+v", dec, p)
	}
}

func TestServerStart_RoundTrip(t *testing.T) {
	p := ServerStart{Accept: AcceptOk, StartTime: Now()}
	dec, err := DecodeServerStart(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != p {
		t.Errorf("mismatch: got %+v, want %+v", dec, p)
	}
}

func TestServerStart_MBZViolationAtOffsetZero(t *testing.T) {
	p := ServerStart{Accept: AcceptOk}
	enc := p.Encode()
	enc[0] = 0x01
	_, err := DecodeServerStart(enc)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != KindMBZViolation || pe.Offset != 0 {
		t.Fatalf("expected MBZViolation{offset=0}, got %v", err)
	}
}

func TestServerStart_UnknownAccept(t *testing.T) {
	p := ServerStart{Accept: AcceptOk}
	enc := p.Encode()
	enc[15] = 99
	_, err := DecodeServerStart(enc)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != KindUnknownAccept {
		t.Fatalf("expected UnknownAccept, got %v", err)
	}
}

func TestRequestTWSession_RoundTrip(t *testing.T) {
	p := RequestTWSession{
		SenderPort:   5001,
		ReceiverPort: 5002,
		SenderAddr:   net.ParseIP("127.0.0.1"),
		ReceiverAddr: net.ParseIP("127.0.0.1"),
		PaddingLen:   0,
		StartTime:    Now(),
		Timeout:      FromTime(Now().Time().Add(0)),
		TypeP:        0,
	}
	enc := p.Encode()
	dec, err := DecodeRequestTWSession(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !dec.SenderAddr.Equal(p.SenderAddr) || !dec.ReceiverAddr.Equal(p.ReceiverAddr) {
		t.Errorf("address mismatch: got %+v", dec)
	}
	if dec.SenderPort != p.SenderPort || dec.ReceiverPort != p.ReceiverPort {
		t.Errorf("port mismatch: got %+v", dec)
	}
}

func TestRequestTWSession_UnknownCommand(t *testing.T) {
	p := RequestTWSession{SenderAddr: net.IPv4zero, ReceiverAddr: net.IPv4zero}
	enc := p.Encode()
	enc[0] = 9
	_, err := DecodeRequestTWSession(enc)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != KindUnknownCommand {
		t.Fatalf("expected UnknownCommand, got %v", err)
	}
}

func TestRequestTWSession_IPVNRejected(t *testing.T) {
	p := RequestTWSession{SenderAddr: net.IPv4zero, ReceiverAddr: net.IPv4zero}
	enc := p.Encode()
	enc[1] = 6 << 4 // IPv6 high nibble
	_, err := DecodeRequestTWSession(enc)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != KindUnexpectedByte {
		t.Fatalf("expected UnexpectedByte for IPVN, got %v", err)
	}
}

func TestAcceptSession_RoundTrip(t *testing.T) {
	p := AcceptSession{Accept: AcceptOk, Port: 20001}
	copy(p.SID[:], []byte("0123456789abcdef"))
	dec, err := DecodeAcceptSession(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != p {
		t.Errorf("mismatch: got %+v, want %+v", dec, p)
	}
}

func TestStartSessions_RoundTrip(t *testing.T) {
	p := StartSessions{}
	if _, err := DecodeStartSessions(p.Encode()); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestStartAck_RoundTrip(t *testing.T) {
	p := StartAck{Accept: AcceptOk}
	dec, err := DecodeStartAck(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != p {
		t.Errorf("mismatch: got %+v, want %+v", dec, p)
	}
}

func TestStopSessions_RoundTrip(t *testing.T) {
	p := StopSessions{Accept: AcceptOk, NumSessions: 1}
	dec, err := DecodeStopSessions(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec != p {
		t.Errorf("mismatch: got %+v, want %+v", dec, p)
	}
}

func TestCommandEnum_UnknownRejected(t *testing.T) {
	for b := 0; b < 256; b++ {
		if validCommand(byte(b)) {
			continue
		}
		var p [startSessionsSize]byte
		p[0] = byte(b)
		_, err := DecodeStartSessions(p)
		if b == int(CommandStartSessions) {
			continue
		}
		var pe *ProtocolError
		if !errors.As(err, &pe) || pe.Kind != KindUnknownCommand {
			t.Errorf("command byte %d: expected UnknownCommand, got %v", b, err)
		}
	}
}

func TestAcceptEnum_UnknownRejected(t *testing.T) {
	for b := 6; b < 256; b++ {
		var p [startAckSize]byte
		p[0] = byte(b)
		_, err := DecodeStartAck(p)
		var pe *ProtocolError
		if !errors.As(err, &pe) || pe.Kind != KindUnknownAccept {
			t.Errorf("accept byte %d: expected UnknownAccept, got %v", b, err)
		}
	}
}

func TestDecodeTruncatedFrame_TestPacket(t *testing.T) {
	_, err := UnmarshalSenderTestPacket(make([]byte, 4))
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != KindTruncatedFrame {
		t.Fatalf("expected TruncatedFrame, got %v", err)
	}
}

func BenchmarkServerGreeting_Encode(b *testing.B) {
	p := ServerGreeting{Modes: ModeUnauthenticated}
	for i := 0; i < b.N; i++ {
		_ = p.Encode()
	}
}

func BenchmarkRequestTWSession_Decode(b *testing.B) {
	p := RequestTWSession{SenderAddr: net.IPv4zero, ReceiverAddr: net.IPv4zero}
	enc := p.Encode()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeRequestTWSession(enc); err != nil {
			b.Fatal(err)
		}
	}
}
