package application

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"tcp-relay/internal/domain"
	"tcp-relay/pkg/bytequeue"
)

// side is one socket of a connection together with the bytes waiting to be
// written to it.
type side struct {
	fd         int
	dir        domain.Direction // direction of the bytes in out
	state      domain.SideState
	out        *bytequeue.Queue
	interest   domain.EventType
	registered bool
	peak       int
}

func (s *side) disconnected() bool {
	return s.state != domain.SideOpen
}

// Connection relays one redirected flow between the accepted local socket
// and the outbound remote socket. It is driven entirely by the reactor.
type Connection struct {
	svc    *RelayService
	flow   domain.Flow
	bind   netip.AddrPort
	state  domain.ConnState
	local  side
	remote side

	started    time.Time
	lastActive time.Time
}

func newConnection(svc *RelayService, localFD int, src, dst netip.AddrPort) *Connection {
	now := svc.now()
	return &Connection{
		svc:        svc,
		flow:       domain.Flow{Src: src, Dst: dst},
		bind:       svc.cfg.Bind,
		state:      domain.StateConnecting,
		local:      side{fd: localFD, dir: domain.ToLocal, out: bytequeue.New()},
		remote:     side{fd: -1, dir: domain.ToRemote, out: bytequeue.New()},
		started:    now,
		lastActive: now,
	}
}

func (c *Connection) State() domain.ConnState {
	return c.state
}

func (c *Connection) Flow() domain.Flow {
	return c.flow
}

// BeginConnect opens the outbound socket and waits for it to become
// writable. The local socket is left untouched until that succeeds.
func (c *Connection) BeginConnect() {
	fd, err := c.svc.sockets.Dial(c.flow.Dst, c.bind)
	if err != nil {
		c.connectFailed(err)
		return
	}
	c.remote.fd = fd

	if err := c.svc.loop.Register(fd, c, domain.EventWrite); err != nil {
		c.connectFailed(err)
		return
	}
	c.remote.registered = true
	c.remote.interest = domain.EventWrite
	c.log().Debug("Connecting to original destination", "remote_fd", fd)
}

func (c *Connection) HandleEvent(fd int, event domain.EventType) error {
	switch c.state {
	case domain.StateConnecting:
		if fd == c.remote.fd {
			c.finishConnect()
		}
	case domain.StateRelaying:
		c.relay(fd, event)
	}
	return nil
}

func (c *Connection) finishConnect() {
	if err := c.svc.sockets.ConnectError(c.remote.fd); err != nil {
		c.connectFailed(err)
		return
	}

	if err := c.svc.sockets.SetNonblock(c.local.fd); err != nil {
		c.teardown("local socket setup failed", err)
		return
	}
	if err := c.svc.loop.Register(c.local.fd, c, domain.EventRead); err != nil {
		c.teardown("local socket registration failed", err)
		return
	}
	c.local.registered = true
	c.local.interest = domain.EventRead

	if err := c.svc.loop.Modify(c.remote.fd, domain.EventRead); err != nil {
		c.teardown("remote socket registration failed", err)
		return
	}
	c.remote.interest = domain.EventRead

	c.state = domain.StateRelaying
	c.lastActive = c.svc.now()
	c.log().Debug("Connected to original destination")
}

func (c *Connection) connectFailed(err error) {
	c.svc.log.Info("Outbound connect failed", "src", c.flow.Src, "dst", c.flow.Dst, "error", err)
	if c.remote.registered {
		c.svc.loop.Unregister(c.remote.fd)
		c.remote.registered = false
	}
	if c.remote.fd >= 0 {
		c.svc.sockets.Close(c.remote.fd)
	}
	c.svc.sockets.Close(c.local.fd)
	c.state = domain.StateClosed
	c.svc.forget(c)
}

func (c *Connection) relay(fd int, event domain.EventType) {
	var s, peer *side
	switch fd {
	case c.local.fd:
		s, peer = &c.local, &c.remote
	case c.remote.fd:
		s, peer = &c.remote, &c.local
	default:
		return
	}

	if event&domain.EventWrite != 0 {
		c.flush(s)
	}
	if event&(domain.EventRead|domain.EventError) != 0 {
		c.fill(s, peer)
	}
	// ERR or HUP on a side that no longer reads means the socket is gone
	// for writing too.
	if event&domain.EventError != 0 && s.state == domain.SideHalfClosed {
		s.state = domain.SideClosed
		s.out.Clear()
	}
	c.lastActive = c.svc.now()

	if c.finished() {
		c.teardown("disconnected", nil)
		return
	}
	c.syncInterest()
}

// flush writes as much of s.out as the socket takes without blocking and
// puts the unsent tail back at the front of the queue.
func (c *Connection) flush(s *side) {
	if s.out.Len() == 0 || s.state == domain.SideClosed {
		return
	}

	d := s.out.PopLeftAll()
	sent := 0
	for sent < len(d) {
		n, err := c.svc.sockets.Send(s.fd, d[sent:])
		if err != nil {
			if errors.Is(err, domain.ErrWouldBlock) {
				break
			}
			c.log().Debug("Send failed", "direction", s.dir, "error", err)
			s.state = domain.SideClosed
			s.out.Clear()
			return
		}
		if n <= 0 {
			break
		}
		sent += n
	}
	if sent < len(d) {
		s.out.AppendLeft(d[sent:])
	}
}

// fill reads from src into the queue bound for dst until the socket would
// block, reports a close, or the queue reaches the configured cap.
func (c *Connection) fill(src, dst *side) {
	if src.state != domain.SideOpen {
		return
	}

	buf := c.svc.recvBuf
	for !c.svc.queueFull(dst.out) {
		n, err := c.svc.sockets.Recv(src.fd, buf)
		if err != nil {
			if errors.Is(err, domain.ErrWouldBlock) {
				return
			}
			c.log().Debug("Receive failed", "error", err)
			src.state = domain.SideClosed
			src.out.Clear()
			return
		}
		if n == 0 {
			src.state = domain.SideHalfClosed
			return
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		dst.out.Append(chunk)
		if l := dst.out.Len(); l > dst.peak {
			dst.peak = l
			c.svc.onPeak(c.flow, dst.dir, l)
		}
	}
}

// finished reports whether a disconnected side has nothing left to deliver
// to its peer.
func (c *Connection) finished() bool {
	return (c.remote.disconnected() && c.local.out.Len() == 0) ||
		(c.local.disconnected() && c.remote.out.Len() == 0)
}

// syncInterest keeps each socket's registration in line with what it can
// do: read while open and the peer queue has room, write while bytes wait.
// A socket with nothing to wait for is removed from the loop entirely, since
// epoll reports ERR and HUP regardless of the interest mask.
func (c *Connection) syncInterest() {
	for _, p := range [2][2]*side{{&c.local, &c.remote}, {&c.remote, &c.local}} {
		s, peer := p[0], p[1]
		var want domain.EventType
		if s.state == domain.SideOpen && !c.svc.queueFull(peer.out) {
			want |= domain.EventRead
		}
		if s.state != domain.SideClosed && s.out.Len() > 0 {
			want |= domain.EventWrite
		}

		var err error
		switch {
		case want == 0 && s.registered:
			err = c.svc.loop.Unregister(s.fd)
			s.registered = false
		case want != 0 && !s.registered:
			err = c.svc.loop.Register(s.fd, c, want)
			s.registered = err == nil
		case want != 0 && want != s.interest:
			err = c.svc.loop.Modify(s.fd, want)
		}
		if err != nil {
			c.teardown("interest update failed", err)
			return
		}
		s.interest = want
	}
}

func (c *Connection) teardown(reason string, err error) {
	if c.state == domain.StateClosed {
		return
	}
	for _, s := range []*side{&c.local, &c.remote} {
		if s.registered {
			c.svc.loop.Unregister(s.fd)
			s.registered = false
		}
		if s.fd >= 0 {
			c.svc.sockets.Close(s.fd)
		}
		s.out.Clear()
		s.interest = 0
	}
	c.state = domain.StateClosed
	c.svc.forget(c)

	if err != nil {
		c.log().Debug("Closing connection", "reason", reason, "error", err)
	} else {
		c.log().Debug("Closing connection", "reason", reason)
	}
}

// expire applies the configured timeouts.
func (c *Connection) expire(now time.Time) {
	cfg := c.svc.cfg
	switch c.state {
	case domain.StateConnecting:
		if cfg.ConnectTimeout > 0 && now.Sub(c.started) >= cfg.ConnectTimeout {
			c.connectFailed(domain.ErrConnectTimeout)
		}
	case domain.StateRelaying:
		if cfg.IdleTimeout > 0 && now.Sub(c.lastActive) >= cfg.IdleTimeout {
			c.teardown("idle timeout", domain.ErrIdleTimeout)
		}
	}
}

func (c *Connection) log() *slog.Logger {
	return c.svc.log.With("src", c.flow.Src, "dst", c.flow.Dst, "local_fd", c.local.fd)
}
