package application

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"tcp-relay/internal/domain"
)

type fakeReg struct {
	h      domain.EventHandler
	events domain.EventType
}

// fakeLoop records registrations; tests fire events by hand.
type fakeLoop struct {
	regs     map[int]fakeReg
	everRegd map[int]bool
	failReg  map[int]error
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		regs:     make(map[int]fakeReg),
		everRegd: make(map[int]bool),
		failReg:  make(map[int]error),
	}
}

func (l *fakeLoop) Register(fd int, h domain.EventHandler, events domain.EventType) error {
	if err := l.failReg[fd]; err != nil {
		return err
	}
	l.regs[fd] = fakeReg{h: h, events: events}
	l.everRegd[fd] = true
	return nil
}

func (l *fakeLoop) Modify(fd int, events domain.EventType) error {
	r, ok := l.regs[fd]
	if !ok {
		return domain.ErrNotRegistered
	}
	r.events = events
	l.regs[fd] = r
	return nil
}

func (l *fakeLoop) Unregister(fd int) error {
	delete(l.regs, fd)
	return nil
}

func (l *fakeLoop) PollOnce(time.Duration) error { return nil }

func (l *fakeLoop) Close() error { return nil }

func (l *fakeLoop) interest(fd int) (domain.EventType, bool) {
	r, ok := l.regs[fd]
	return r.events, ok
}

func (l *fakeLoop) fire(t *testing.T, fd int, ev domain.EventType) error {
	t.Helper()
	r, ok := l.regs[fd]
	if !ok {
		t.Fatalf("fire on unregistered fd %d", fd)
	}
	return r.h.HandleEvent(fd, ev)
}

type fakeSocket struct {
	reads    [][]byte // served in order, then eof/readErr/would-block
	eof      bool
	readErr  error
	budget   int // bytes Send accepts before blocking; negative is unlimited
	sendErr  error
	sent     []byte
	closed   bool
	nonblock bool
	connErr  error
}

type acceptResult struct {
	fd  int
	src netip.AddrPort
}

// fakeSockets hands out descriptors from 10 upward; 3 is the listener.
type fakeSockets struct {
	listenAddr netip.AddrPort
	next       int
	socks      map[int]*fakeSocket
	pending    []acceptResult
	acceptErr  error
	dialErr    error
	dialed     []netip.AddrPort
}

const fakeListenFD = 3

func newFakeSockets() *fakeSockets {
	return &fakeSockets{next: 10, socks: make(map[int]*fakeSocket)}
}

func (s *fakeSockets) Listen(addr netip.AddrPort, _ int) (int, error) {
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), 1234)
	}
	s.listenAddr = addr
	s.socks[fakeListenFD] = &fakeSocket{}
	return fakeListenFD, nil
}

// queueAccept makes the next Accept return a fresh blocking socket.
func (s *fakeSockets) queueAccept(src string) int {
	fd := s.alloc()
	s.pending = append(s.pending, acceptResult{fd: fd, src: netip.MustParseAddrPort(src)})
	return fd
}

func (s *fakeSockets) alloc() int {
	fd := s.next
	s.next++
	s.socks[fd] = &fakeSocket{budget: -1}
	return fd
}

func (s *fakeSockets) Accept(int) (int, netip.AddrPort, error) {
	if s.acceptErr != nil {
		return 0, netip.AddrPort{}, s.acceptErr
	}
	if len(s.pending) == 0 {
		return 0, netip.AddrPort{}, domain.ErrWouldBlock
	}
	a := s.pending[0]
	s.pending = s.pending[1:]
	return a.fd, a.src, nil
}

func (s *fakeSockets) Dial(dst, _ netip.AddrPort) (int, error) {
	s.dialed = append(s.dialed, dst)
	if s.dialErr != nil {
		return 0, s.dialErr
	}
	fd := s.alloc()
	s.socks[fd].nonblock = true
	return fd, nil
}

func (s *fakeSockets) get(fd int) *fakeSocket {
	sk, ok := s.socks[fd]
	if !ok {
		panic(fmt.Sprintf("unknown fd %d", fd))
	}
	return sk
}

func (s *fakeSockets) ConnectError(fd int) error { return s.get(fd).connErr }

func (s *fakeSockets) SetNonblock(fd int) error {
	s.get(fd).nonblock = true
	return nil
}

func (s *fakeSockets) Recv(fd int, p []byte) (int, error) {
	sk := s.get(fd)
	if len(sk.reads) > 0 {
		n := copy(p, sk.reads[0])
		if n < len(sk.reads[0]) {
			sk.reads[0] = sk.reads[0][n:]
		} else {
			sk.reads = sk.reads[1:]
		}
		return n, nil
	}
	if sk.readErr != nil {
		return 0, sk.readErr
	}
	if sk.eof {
		return 0, nil
	}
	return 0, domain.ErrWouldBlock
}

func (s *fakeSockets) Send(fd int, p []byte) (int, error) {
	sk := s.get(fd)
	if sk.sendErr != nil {
		return 0, sk.sendErr
	}
	if sk.budget == 0 {
		return 0, domain.ErrWouldBlock
	}
	n := len(p)
	if sk.budget > 0 {
		n = min(n, sk.budget)
		sk.budget -= n
	}
	sk.sent = append(sk.sent, p[:n]...)
	return n, nil
}

func (s *fakeSockets) Close(fd int) error {
	s.get(fd).closed = true
	return nil
}

func (s *fakeSockets) LocalAddr(fd int) (netip.AddrPort, error) {
	if fd == fakeListenFD {
		return s.listenAddr, nil
	}
	return netip.AddrPort{}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc     *RelayService
	loop    *fakeLoop
	sockets *fakeSockets
	dst     netip.AddrPort
	lookErr error
}

func newFixture(t *testing.T, cfg domain.Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		loop:    newFakeLoop(),
		sockets: newFakeSockets(),
		dst:     netip.MustParseAddrPort("203.0.113.5:8080"),
	}
	if !cfg.Listen.IsValid() {
		cfg.Listen = netip.MustParseAddrPort("127.0.0.1:1234")
	}
	lookup := domain.DestinationLookupFunc(func(int) (netip.AddrPort, error) {
		return f.dst, f.lookErr
	})

	svc, err := NewRelayService(f.loop, f.sockets, lookup, cfg, discardLogger(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	f.svc = svc
	return f
}

// accept pushes one pending connection through the listener and returns
// the local and remote descriptors.
func (f *fixture) accept(t *testing.T) (*Connection, int, int) {
	t.Helper()
	lfd := f.sockets.queueAccept("198.51.100.7:40000")
	if err := f.loop.fire(t, fakeListenFD, domain.EventRead); err != nil {
		t.Fatal(err)
	}
	var c *Connection
	for conn := range f.svc.conns {
		if conn.local.fd == lfd {
			c = conn
		}
	}
	if c == nil {
		t.Fatal("no connection created")
	}
	return c, lfd, c.remote.fd
}

// relaying returns a connection whose outbound connect has completed.
func (f *fixture) relaying(t *testing.T) (*Connection, int, int) {
	t.Helper()
	c, lfd, rfd := f.accept(t)
	if err := f.loop.fire(t, rfd, domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	if c.State() != domain.StateRelaying {
		t.Fatalf("state = %s, want relaying", c.State())
	}
	return c, lfd, rfd
}
