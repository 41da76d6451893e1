package network

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
	"tcp-relay/internal/domain"
)

// Sockets implements domain.Sockets over raw IPv4 descriptors.
type Sockets struct{}

func (Sockets) Listen(addr netip.AddrPort, backlog int) (int, error) {
	sa, err := sockaddr(addr)
	if err != nil {
		return 0, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// Accept returns a blocking socket; the relay switches it to non-blocking
// once the outbound side is connected.
func (Sockets) Accept(fd int) (int, netip.AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, netip.AddrPort{}, wrapErrno(err)
		}
		return nfd, addrPort(sa), nil
	}
}

func (Sockets) Dial(dst, bind netip.AddrPort) (int, error) {
	sa, err := sockaddr(dst)
	if err != nil {
		return 0, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	if bind.IsValid() {
		bsa, err := sockaddr(bind)
		if err != nil {
			unix.Close(fd)
			return 0, err
		}
		if bind.Port() != 0 {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				unix.Close(fd)
				return 0, err
			}
		}
		if err := unix.Bind(fd, bsa); err != nil {
			unix.Close(fd)
			return 0, fmt.Errorf("bind %s: %w", bind, err)
		}
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// ConnectError reports the outcome of a non-blocking connect.
func (Sockets) ConnectError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

func (Sockets) SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

func (Sockets) Recv(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wrapErrno(err)
		}
		return n, nil
	}
}

func (Sockets) Send(fd int, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wrapErrno(err)
		}
		return n, nil
	}
}

func (Sockets) Close(fd int) error {
	return unix.Close(fd)
}

func (Sockets) LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPort(sa), nil
}

func sockaddr(ap netip.AddrPort) (*unix.SockaddrInet4, error) {
	ip := ap.Addr().Unmap()
	if !ip.Is4() {
		return nil, fmt.Errorf("%s: only IPv4 endpoints are supported", ap)
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ip.As4()}, nil
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	}
	return netip.AddrPort{}
}

func wrapErrno(err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return domain.ErrWouldBlock
	}
	return err
}
