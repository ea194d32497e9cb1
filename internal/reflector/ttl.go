package reflector

import (
	"net"

	"golang.org/x/sys/unix"
)

// defaultSenderTTL is used when the socket's configured TTL cannot be
// queried, per the spec's application-level default.
const defaultSenderTTL = 255

// senderTTL reads the UDP socket's configured IP_TTL via getsockopt, the
// same raw-syscall-over-SyscallConn style the teacher uses to read device
// state directly from the kernel. RFC 5357 fills SenderTTL from the
// reflector's outgoing TTL rather than a hardcoded constant; since Go's net
// package has no portable accessor for it, we read it straight from the fd.
func senderTTL(conn *net.UDPConn) uint8 {
	raw, err := conn.SyscallConn()
	if err != nil {
		return defaultSenderTTL
	}
	var ttl int
	var getErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ttl, getErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL)
	})
	if ctrlErr != nil || getErr != nil || ttl <= 0 || ttl > 255 {
		return defaultSenderTTL
	}
	return uint8(ttl)
}
