package domain

import (
	"net/netip"
	"time"
)

// ConnState is the phase of a relayed connection.
type ConnState int

const (
	StateConnecting ConnState = iota // outbound connect in progress
	StateRelaying                    // both sockets registered, bytes flowing
	StateClosed                      // sockets closed, registrations removed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SideState tracks one socket of a connection.
type SideState int

const (
	SideOpen       SideState = iota // reading and writing
	SideHalfClosed                  // peer sent EOF; may still be written to
	SideClosed                      // hard I/O error; neither direction usable
)

func (s SideState) String() string {
	switch s {
	case SideOpen:
		return "open"
	case SideHalfClosed:
		return "half-closed"
	case SideClosed:
		return "closed"
	}
	return "unknown"
}

// Direction names a byte flow through the relay.
type Direction int

const (
	ToRemote Direction = iota
	ToLocal
)

func (d Direction) String() string {
	if d == ToRemote {
		return "to-remote"
	}
	return "to-local"
}

// Flow identifies a relayed connection by its two endpoints.
type Flow struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

// LookupFailurePolicy decides what an original-destination lookup failure
// does to the process.
type LookupFailurePolicy int

const (
	LookupDrop  LookupFailurePolicy = iota // close the accepted socket only
	LookupFatal                            // stop the relay
)

func (p LookupFailurePolicy) String() string {
	if p == LookupFatal {
		return "fatal"
	}
	return "drop"
}

// Config is the resolved runtime configuration of the relay.
type Config struct {
	Listen  netip.AddrPort
	Bind    netip.AddrPort // zero value: let the kernel pick
	Backlog int

	// MaxQueueBytes pauses reading from a side while the queue toward its
	// peer holds at least this many bytes. Zero leaves queues unbounded.
	MaxQueueBytes int

	ConnectTimeout time.Duration // zero disables
	IdleTimeout    time.Duration // zero disables

	LookupFailure LookupFailurePolicy
}

const DefaultBacklog = 128
