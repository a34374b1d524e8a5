// Package ipc implements the Pipe Channel and Socket Package components
// (spec §4.C/4.D): a typed, FIFO, at-most-once message channel between a
// Host process and a Worker process, and the bundle used to hand a live
// TCP connection across that channel without ever closing it.
//
// Two Channel implementations exist. processChannel is the real thing:
// a unix-domain control connection multiplexed with xtaci/smux (grounded
// on server/main.go's handleMux, which builds exactly this kind of
// smux.Server/AcceptStream loop over a net.Conn), plus a second raw
// net.UnixConn dedicated to SCM_RIGHTS fd passing, since smux streams
// cannot carry OOB/ancillary data. inprocChannel is goroutines and
// buffered Go channels standing in for both processes in one, per the
// Design Notes §9 fallback for platforms without fd-passing and for
// tests that don't want to fork real processes.
package ipc

import (
	"encoding/gob"
)

// Kind discriminates the three message shapes the channel can carry.
type Kind int

const (
	// KindSocketPackage carries a live connection handoff.
	KindSocketPackage Kind = iota
	// KindShutdown is the control token asking the peer to tear down.
	KindShutdown
	// KindClosed is the sentinel a Receive returns forever once the pipe
	// has closed (spec §4.C: "all subsequent receives return closed").
	KindClosed
)

// Message is one unit of PipeChannel traffic. Only the field matching Kind
// is meaningful.
type Message struct {
	Kind    Kind
	Package *SocketPackage
}

func init() {
	gob.Register(Message{})
	gob.Register(SocketPackage{})
}

// Channel is a bidirectional, typed FIFO between a Host and a Worker.
// Send does not block the caller beyond OS/Go-channel buffering; Receive
// blocks until a message arrives or the channel closes. Per spec §4.C,
// once closed every subsequent Receive returns a KindClosed message
// rather than an error, so callers never need a separate "is it closed"
// check.
type Channel interface {
	// Send enqueues msg for delivery. After Close on this end it drops msg
	// and returns nil; a non-nil error means the transport itself failed.
	Send(msg Message) error

	// Receive blocks until a message is available or the channel is
	// closed, in which case it returns a KindClosed message with a nil
	// error forever after.
	Receive() (Message, error)

	// Close tears down the channel from this end.
	Close() error
}
