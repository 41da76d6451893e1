package domain

import (
	"errors"
	"net/netip"
	"time"
)

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
	EventError EventType = 0x8 // EPOLLERR or EPOLLHUP, reported only
)

var (
	ErrWouldBlock     = errors.New("operation would block")
	ErrNotRegistered  = errors.New("descriptor not registered")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrIdleTimeout    = errors.New("connection idle")
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(fd int, event EventType) error

func (f EventHandlerFunc) HandleEvent(fd int, event EventType) error {
	return f(fd, event)
}

// EventLoop dispatches readiness of registered descriptors to their handlers.
// All methods must be called from the goroutine running PollOnce.
type EventLoop interface {
	// Register starts watching fd, or rebinds handler and interest when fd
	// is already registered. On error nothing is recorded.
	Register(fd int, h EventHandler, events EventType) error
	Modify(fd int, events EventType) error
	// Unregister stops watching fd. Pending reports for fd are dropped.
	Unregister(fd int) error
	// PollOnce waits up to timeout (forever when negative) and dispatches
	// each report once. A handler error stops dispatch and is returned.
	PollOnce(timeout time.Duration) error
	Close() error
}

// Sockets is the non-blocking socket surface used by the relay.
// Recv and Send report ErrWouldBlock when the socket is not ready; a Recv
// of zero bytes with a nil error is an orderly close.
type Sockets interface {
	Listen(addr netip.AddrPort, backlog int) (int, error)
	Accept(fd int) (nfd int, src netip.AddrPort, err error)
	// Dial opens a non-blocking socket, binds it to bind when valid and
	// starts connecting to dst.
	Dial(dst, bind netip.AddrPort) (int, error)
	ConnectError(fd int) error
	SetNonblock(fd int) error
	Recv(fd int, p []byte) (int, error)
	Send(fd int, p []byte) (int, error)
	Close(fd int) error
	LocalAddr(fd int) (netip.AddrPort, error)
}

// DestinationLookup recovers the pre-redirection destination of an
// accepted socket.
type DestinationLookup interface {
	OriginalDst(fd int) (netip.AddrPort, error)
}

type DestinationLookupFunc func(fd int) (netip.AddrPort, error)

func (f DestinationLookupFunc) OriginalDst(fd int) (netip.AddrPort, error) {
	return f(fd)
}
