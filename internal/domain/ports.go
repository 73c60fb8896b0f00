package domain

import (
	"errors"
	"time"
)

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

func (e EventType) Readable() bool { return e&EventRead != 0 }
func (e EventType) Writable() bool { return e&EventWrite != 0 }

type EventHandler interface {
	HandleEvent(token Token, event EventType)
	// Tick is called at least once per tick interval, also when no event arrived.
	Tick(now time.Time)
}

// Registry is the part of the event loop that I/O sources use to manage their
// own interest.
type Registry interface {
	Register(fd int, token Token, events EventType) error
	Modify(fd int, token Token, events EventType) error
	Unregister(fd int) error
}

// ErrLoopClosed is returned by an event loop used after Close.
var ErrLoopClosed = errors.New("event loop closed")

type EventLoop interface {
	Registry
	// Wake interrupts a blocked Run from another goroutine; the handler then
	// receives an event for TokenWaker.
	Wake() error
	Run(handler EventHandler) error
	Stop()
	Close() error
}

// Sink is the receiving side of a relay direction.
type Sink interface {
	Write(p []byte)
	Writable() bool
}

// ControlChannel is the TLS-wrapped stream between the remote client and this
// process. Writes are buffered and never fail; I/O errors surface through the
// status methods.
type ControlChannel interface {
	Sink
	// Read drains all plaintext currently available. A closed or failed
	// stream marks the channel shut down; bytes read before that are returned.
	Read() []byte
	Flush()
	Shutdown()
	Abort()
	PeerClosed()
	IsShutdown() bool
	CheckStatus(reg Registry)
	Deregistered() bool
}

// Backend is the outbound side of a connection: a TCP stream to the target or
// a UDP socket serving an associate session.
type Backend interface {
	Writable() bool
	Dispatch(data []byte)
	DoRead(sink Sink)
	Shutdown()
	Abort()
	PeerClosed()
	IsShutdown() bool
	Timeout(lastActive, now time.Time) bool
	CheckStatus(reg Registry)
	Deregistered() bool
}
