package epoll

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"tcp-relay/internal/domain"
)

const maxEvents = 128

type registration struct {
	handler domain.EventHandler
	gen     int32
}

// LinuxEventLoop is a level-triggered epoll reactor with a descriptor to
// handler table. Each registration gets a generation stamped into the epoll
// event payload, so reports for a descriptor unregistered earlier in the same
// batch are dropped even if the number was reused.
type LinuxEventLoop struct {
	epollFD  int
	handlers map[int]registration
	nextGen  int32
	events   []unix.EpollEvent
}

func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &LinuxEventLoop{
		epollFD:  fd,
		handlers: make(map[int]registration),
		events:   make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (l *LinuxEventLoop) Register(fd int, h domain.EventHandler, events domain.EventType) error {
	op := unix.EPOLL_CTL_ADD
	if _, ok := l.handlers[fd]; ok {
		op = unix.EPOLL_CTL_MOD
	}

	l.nextGen++
	reg := registration{handler: h, gen: l.nextGen}
	if err := unix.EpollCtl(l.epollFD, op, fd, epollEvent(fd, events, reg.gen)); err != nil {
		return fmt.Errorf("epoll register fd %d: %w", fd, err)
	}
	l.handlers[fd] = reg
	return nil
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	reg, ok := l.handlers[fd]
	if !ok {
		return fmt.Errorf("epoll modify fd %d: %w", fd, domain.ErrNotRegistered)
	}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, epollEvent(fd, events, reg.gen)); err != nil {
		return fmt.Errorf("epoll modify fd %d: %w", fd, err)
	}
	return nil
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	if _, ok := l.handlers[fd]; !ok {
		return nil
	}
	delete(l.handlers, fd)
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll unregister fd %d: %w", fd, err)
	}
	return nil
}

func (l *LinuxEventLoop) PollOnce(timeout time.Duration) error {
	n, err := unix.EpollWait(l.epollFD, l.events, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(l.events[i].Fd)
		reg, ok := l.handlers[fd]
		if !ok || reg.gen != l.events[i].Pad {
			continue
		}
		if err := reg.handler.HandleEvent(fd, fromEpoll(l.events[i].Events)); err != nil {
			return fmt.Errorf("handle fd %d: %w", fd, err)
		}
	}
	return nil
}

// Registered reports whether fd currently has a handler.
func (l *LinuxEventLoop) Registered(fd int) bool {
	_, ok := l.handlers[fd]
	return ok
}

func (l *LinuxEventLoop) Close() error {
	l.handlers = make(map[int]registration)
	return unix.Close(l.epollFD)
}

func epollEvent(fd int, events domain.EventType, gen int32) *unix.EpollEvent {
	var mask uint32
	if events&domain.EventRead != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&domain.EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return &unix.EpollEvent{Events: mask, Fd: int32(fd), Pad: gen}
}

func fromEpoll(mask uint32) domain.EventType {
	var ev domain.EventType
	if mask&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ev |= domain.EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= domain.EventWrite
	}
	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= domain.EventError
	}
	return ev
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		ms = 1
	}
	return int(ms)
}
