package application

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"tcp-relay/internal/domain"
	"tcp-relay/pkg/bytequeue"
)

const recvChunkSize = 64 << 10

// PeakFunc observes a new high-water mark of a connection queue.
type PeakFunc func(flow domain.Flow, dir domain.Direction, peak int)

type Option func(*RelayService)

// WithPeakFunc replaces the default peak log line.
func WithPeakFunc(f PeakFunc) Option {
	return func(s *RelayService) { s.onPeak = f }
}

// WithClock sets the time source used for timeouts.
func WithClock(now func() time.Time) Option {
	return func(s *RelayService) { s.now = now }
}

// RelayService owns the listening socket and every live connection. All of
// its state is touched only from the goroutine calling Run or Step.
type RelayService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	sockets  domain.Sockets
	cfg      domain.Config
	listener *Listener
	conns    map[*Connection]struct{}
	recvBuf  []byte
	onPeak   PeakFunc
	now      func() time.Time
}

func NewRelayService(loop domain.EventLoop, sockets domain.Sockets, lookup domain.DestinationLookup, cfg domain.Config, logger *slog.Logger, opts ...Option) (*RelayService, error) {
	if cfg.Backlog <= 0 {
		cfg.Backlog = domain.DefaultBacklog
	}

	lfd, err := sockets.Listen(cfg.Listen, cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}
	addr, err := sockets.LocalAddr(lfd)
	if err != nil {
		sockets.Close(lfd)
		return nil, fmt.Errorf("failed to read listen address: %w", err)
	}

	s := &RelayService{
		log:     logger,
		loop:    loop,
		sockets: sockets,
		cfg:     cfg,
		conns:   make(map[*Connection]struct{}),
		recvBuf: make([]byte, recvChunkSize),
		now:     time.Now,
	}
	s.onPeak = s.logPeak
	s.listener = &Listener{svc: s, fd: lfd, addr: addr, lookup: lookup}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start registers the listening socket with the event loop.
func (s *RelayService) Start() error {
	s.log.Info("Registering listener in EventLoop", "listener_fd", s.listener.fd, "addr", s.listener.addr)
	if err := s.loop.Register(s.listener.fd, s.listener, domain.EventRead); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	return nil
}

// Run starts the service and drives the event loop until a fatal error.
func (s *RelayService) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.log.Info("Relay service is running loop...")
	for {
		if err := s.Step(s.pollTimeout()); err != nil {
			return err
		}
	}
}

// Step runs one poll cycle, then applies connection timeouts and re-arms a
// paused listener.
func (s *RelayService) Step(timeout time.Duration) error {
	if err := s.loop.PollOnce(timeout); err != nil {
		return err
	}
	if s.listener.paused {
		s.listener.resume(s.now())
	}
	if s.cfg.ConnectTimeout > 0 || s.cfg.IdleTimeout > 0 {
		now := s.now()
		for c := range s.conns {
			c.expire(now)
		}
	}
	return nil
}

// Addr returns the bound listen address.
func (s *RelayService) Addr() netip.AddrPort {
	return s.listener.addr
}

// Active returns the number of connections not yet closed.
func (s *RelayService) Active() int {
	return len(s.conns)
}

// Close tears down every connection and the listening socket.
func (s *RelayService) Close() error {
	for c := range s.conns {
		c.teardown("relay shutting down", nil)
	}
	if !s.listener.paused {
		s.loop.Unregister(s.listener.fd)
	}
	return s.sockets.Close(s.listener.fd)
}

func (s *RelayService) track(c *Connection) {
	s.conns[c] = struct{}{}
}

func (s *RelayService) forget(c *Connection) {
	delete(s.conns, c)
}

func (s *RelayService) queueFull(q *bytequeue.Queue) bool {
	return s.cfg.MaxQueueBytes > 0 && q.Len() >= s.cfg.MaxQueueBytes
}

// pollTimeout bounds the wait so timeouts are noticed without a timer per
// connection.
func (s *RelayService) pollTimeout() time.Duration {
	shortest := time.Duration(-1)
	for _, d := range []time.Duration{s.cfg.ConnectTimeout, s.cfg.IdleTimeout} {
		if d > 0 && (shortest < 0 || d < shortest) {
			shortest = d
		}
	}
	if s.listener.paused && (shortest < 0 || acceptRetryDelay < shortest) {
		shortest = acceptRetryDelay
	}
	if shortest < 0 {
		return -1
	}
	tick := shortest / 4
	return min(max(tick, 10*time.Millisecond), time.Second)
}

func (s *RelayService) logPeak(flow domain.Flow, dir domain.Direction, peak int) {
	s.log.Info("Queue peak", "src", flow.Src, "dst", flow.Dst, "direction", dir, "peak", peak)
}
