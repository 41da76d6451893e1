package application

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"tcp-relay/internal/domain"
)

// acceptRetryDelay is how long the listener stays out of the loop after an
// accept error such as EMFILE.
const acceptRetryDelay = 250 * time.Millisecond

// Listener accepts redirected connections and hands each one to a new
// Connection. One readiness report accepts one connection; the level
// triggered reactor reports again while more are pending.
type Listener struct {
	svc    *RelayService
	fd     int
	addr   netip.AddrPort
	lookup domain.DestinationLookup

	paused  bool
	retryAt time.Time
}

func (l *Listener) HandleEvent(_ int, _ domain.EventType) error {
	nfd, src, err := l.svc.sockets.Accept(l.fd)
	if err != nil {
		if !errors.Is(err, domain.ErrWouldBlock) {
			l.pause(err)
		}
		return nil
	}

	dst, err := l.lookup.OriginalDst(nfd)
	if err != nil {
		l.svc.sockets.Close(nfd)
		if l.svc.cfg.LookupFailure == domain.LookupFatal {
			return fmt.Errorf("original destination of %s: %w", src, err)
		}
		l.svc.log.Warn("Dropping connection without original destination", "src", src, "error", err)
		return nil
	}

	// A destination on our own port means the client dialed the relay
	// directly; forwarding it would connect the relay to itself.
	if dst.Port() == l.addr.Port() {
		l.svc.log.Info("Refusing direct connection to relay", "src", src, "dst", dst)
		l.svc.sockets.Close(nfd)
		return nil
	}

	l.svc.log.Debug("Accepted redirected connection", "src", src, "dst", dst, "fd", nfd)
	c := newConnection(l.svc, nfd, src, dst)
	l.svc.track(c)
	c.BeginConnect()
	return nil
}

// pause takes the listener out of the loop. The pending connection keeps it
// readable, so staying registered would report it on every poll.
func (l *Listener) pause(err error) {
	if err := l.svc.loop.Unregister(l.fd); err != nil {
		l.svc.log.Warn("Failed to unregister listener", "error", err)
	}
	l.paused = true
	l.retryAt = l.svc.now().Add(acceptRetryDelay)
	l.svc.log.Warn("Accept failed, pausing listener", "error", err, "retry_in", acceptRetryDelay)
}

// resume registers the listener again once the retry delay has passed.
func (l *Listener) resume(now time.Time) {
	if !l.paused || now.Before(l.retryAt) {
		return
	}
	if err := l.svc.loop.Register(l.fd, l, domain.EventRead); err != nil {
		l.retryAt = now.Add(acceptRetryDelay)
		l.svc.log.Warn("Failed to re-register listener", "error", err)
		return
	}
	l.paused = false
	l.svc.log.Info("Listener resumed", "listener_fd", l.fd)
}
