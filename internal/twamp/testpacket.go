package twamp

// SenderTestPacket is the unauthenticated-mode TWAMP-Test packet sent by the
// Session-Sender to the Session-Reflector: 14 fixed bytes followed by
// zero padding.
type SenderTestPacket struct {
	SeqNo         uint32
	Timestamp     Timestamp
	ErrorEstimate ErrorEstimate
}

const senderTestPacketMinSize = 14

// SenderTestPacketMinSize is the fixed-header size of a sender test packet,
// before any padding. Callers size their UDP buffers as
// SenderTestPacketMinSize+paddingLen.
const SenderTestPacketMinSize = senderTestPacketMinSize

// Marshal encodes the packet into buf, which must be at least
// senderTestPacketMinSize+paddingLen bytes; the paddingLen bytes after the
// fixed header are written as zero padding. It returns the number of bytes
// written.
func (p SenderTestPacket) Marshal(buf []byte, paddingLen int) (int, error) {
	total := senderTestPacketMinSize + paddingLen
	if len(buf) < total {
		return 0, errTruncated()
	}
	putUint32(buf[0:4], p.SeqNo)
	ts := p.Timestamp.Encode()
	copy(buf[4:12], ts[:])
	ee := p.ErrorEstimate.encode()
	copy(buf[12:14], ee[:])
	for i := senderTestPacketMinSize; i < total; i++ {
		buf[i] = 0
	}
	return total, nil
}

// UnmarshalSenderTestPacket decodes the fixed header of a sender test
// packet; any bytes beyond the header are padding and are not inspected.
func UnmarshalSenderTestPacket(buf []byte) (SenderTestPacket, error) {
	if len(buf) < senderTestPacketMinSize {
		return SenderTestPacket{}, errTruncated()
	}
	var ts [8]byte
	copy(ts[:], buf[4:12])
	var ee [2]byte
	copy(ee[:], buf[12:14])
	estimate, err := decodeErrorEstimate(ee)
	if err != nil {
		return SenderTestPacket{}, err
	}
	return SenderTestPacket{
		SeqNo:         getUint32(buf[0:4]),
		Timestamp:     DecodeTimestamp(ts),
		ErrorEstimate: estimate,
	}, nil
}

// ReflectorTestPacket is the unauthenticated-mode TWAMP-Test packet sent by
// the Session-Reflector back to the Session-Sender: 41 fixed bytes followed
// by zero padding.
type ReflectorTestPacket struct {
	SeqNo               uint32
	Timestamp           Timestamp
	ErrorEstimate       ErrorEstimate
	RecvTimestamp       Timestamp
	SenderSeqNo         uint32
	SenderTimestamp     Timestamp
	SenderErrorEstimate ErrorEstimate
	SenderTTL           uint8
}

const reflectorTestPacketSize = 41

// ReflectorTestPacketSize is the fixed-header size of a reflector test
// packet, before any padding.
const ReflectorTestPacketSize = reflectorTestPacketSize

// Marshal encodes the packet into buf, which must be at least
// reflectorTestPacketSize+paddingLen bytes. It returns the number of bytes
// written.
func (p ReflectorTestPacket) Marshal(buf []byte, paddingLen int) (int, error) {
	total := reflectorTestPacketSize + paddingLen
	if len(buf) < total {
		return 0, errTruncated()
	}
	putUint32(buf[0:4], p.SeqNo)
	ts := p.Timestamp.Encode()
	copy(buf[4:12], ts[:])
	ee := p.ErrorEstimate.encode()
	copy(buf[12:14], ee[:])
	buf[14], buf[15] = 0, 0 // MBZ
	rt := p.RecvTimestamp.Encode()
	copy(buf[16:24], rt[:])
	putUint32(buf[24:28], p.SenderSeqNo)
	st := p.SenderTimestamp.Encode()
	copy(buf[28:36], st[:])
	see := p.SenderErrorEstimate.encode()
	copy(buf[36:38], see[:])
	buf[38], buf[39] = 0, 0 // MBZ
	buf[40] = p.SenderTTL
	for i := reflectorTestPacketSize; i < total; i++ {
		buf[i] = 0
	}
	return total, nil
}

// UnmarshalReflectorTestPacket decodes the fixed header of a reflector test
// packet; any bytes beyond the header are padding and are not inspected.
func UnmarshalReflectorTestPacket(buf []byte) (ReflectorTestPacket, error) {
	if len(buf) < reflectorTestPacketSize {
		return ReflectorTestPacket{}, errTruncated()
	}
	if err := checkMBZ(buf[14:16], 14); err != nil {
		return ReflectorTestPacket{}, err
	}
	if err := checkMBZ(buf[38:40], 38); err != nil {
		return ReflectorTestPacket{}, err
	}
	var ts, rt, st [8]byte
	copy(ts[:], buf[4:12])
	copy(rt[:], buf[16:24])
	copy(st[:], buf[28:36])
	var ee, see [2]byte
	copy(ee[:], buf[12:14])
	copy(see[:], buf[36:38])
	estimate, err := decodeErrorEstimate(ee)
	if err != nil {
		return ReflectorTestPacket{}, err
	}
	senderEstimate, err := decodeErrorEstimate(see)
	if err != nil {
		return ReflectorTestPacket{}, err
	}
	return ReflectorTestPacket{
		SeqNo:               getUint32(buf[0:4]),
		Timestamp:           DecodeTimestamp(ts),
		ErrorEstimate:       estimate,
		RecvTimestamp:       DecodeTimestamp(rt),
		SenderSeqNo:         getUint32(buf[24:28]),
		SenderTimestamp:     DecodeTimestamp(st),
		SenderErrorEstimate: senderEstimate,
		SenderTTL:           buf[40],
	}, nil
}
