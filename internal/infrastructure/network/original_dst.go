package network

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// OriginalDst returns the destination an accepted socket was addressed to
// before an iptables REDIRECT or DNAT rule sent it here.
//
// The kernel answers SO_ORIGINAL_DST with a sockaddr_in; the 16 byte
// ip_mreq-sized getsockopt helper is the one that fits it.
func OriginalDst(fd int) (netip.AddrPort, error) {
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("SO_ORIGINAL_DST: %w", err)
	}
	return parseSockaddrIn(mreq.Multiaddr[:])
}

// sockaddr_in: family (host order), port (network order), address, padding.
func parseSockaddrIn(raw []byte) (netip.AddrPort, error) {
	if len(raw) < 8 {
		return netip.AddrPort{}, fmt.Errorf("short sockaddr: %d bytes", len(raw))
	}
	family := binary.NativeEndian.Uint16(raw[0:2])
	if family != unix.AF_INET {
		return netip.AddrPort{}, fmt.Errorf("unsupported address family %d", family)
	}
	port := binary.BigEndian.Uint16(raw[2:4])
	addr := netip.AddrFrom4([4]byte(raw[4:8]))
	return netip.AddrPortFrom(addr, port), nil
}
