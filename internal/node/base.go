// Package node implements the Node contract from spec §4.E: a process-
// local registry of Socket Handlers and Pipe Channels that dispatches
// incoming requests by method name. Host and Worker share the base
// implemented here; each adds its own pipe-handling on top. The
// dispatch-table-by-method-name registry replaces the original's dynamic
// attribute lookup (Design Notes §9).
package node

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/socket"
	"github.com/aeviox/osprey/internal/wire"
)

// HandlerFunc is one dispatchable method. It receives the socket the
// request arrived on and the parsed request.
type HandlerFunc func(h *socket.Handler, req *wire.Frame)

// base is embedded by Host and Worker. It owns the socket-id → Handler
// registry, the method dispatch table, and the exit/close flag pair from
// spec §4.E's shutdown model.
type base struct {
	ID     string
	Name   string
	Device string

	Ctx *runtime.Context

	mu       sync.Mutex
	sockets  map[string]*socket.Handler
	handlers map[string]HandlerFunc

	exit      atomic.Bool
	closeFlag atomic.Bool
	exitOnce  sync.Once
	exitCh    chan struct{}

	// onSocketRemoved is an optional hook fired after a socket is dropped
	// from the registry. Go's embedding has no virtual dispatch, so Worker
	// sets this via SetOnSocketRemoved rather than overriding a method.
	onSocketRemoved func(id string, remaining int)
}

func newBase(ctx *runtime.Context, name, device string) base {
	return base{
		ID:       uuid.NewString(),
		Name:     name,
		Device:   device,
		Ctx:      ctx,
		sockets:  map[string]*socket.Handler{},
		handlers: map[string]HandlerFunc{},
		exitCh:   make(chan struct{}),
	}
}

// Register binds method to fn in the dispatch table. Call during
// construction, before any socket starts reading.
func (b *base) Register(method string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = fn
}

// AddSocket registers h under its id.
func (b *base) AddSocket(h *socket.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sockets[h.ID] = h
}

// RemoveSocket implements socket.Node. Removing an id not present is a
// no-op (spec §4.E: idempotent).
func (b *base) RemoveSocket(id string) {
	b.mu.Lock()
	_, ok := b.sockets[id]
	if ok {
		delete(b.sockets, id)
	}
	n := len(b.sockets)
	b.mu.Unlock()

	if !ok {
		b.Ctx.Debugf(1, "node %s: remove_socket(%s) is a no-op, already absent", b.ID, id)
		return
	}
	if b.onSocketRemoved != nil {
		b.onSocketRemoved(id, n)
	}
}

// SetOnSocketRemoved installs the hook fired after RemoveSocket drops a
// socket that was actually present. Worker uses this to detect loss of
// its source socket.
func (b *base) SetOnSocketRemoved(fn func(id string, remaining int)) {
	b.onSocketRemoved = fn
}

// Socket returns the handler registered under id, or nil.
func (b *base) Socket(id string) *socket.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sockets[id]
}

// Sockets returns a snapshot of all currently registered handlers.
func (b *base) Sockets() []*socket.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*socket.Handler, 0, len(b.sockets))
	for _, h := range b.sockets {
		out = append(out, h)
	}
	return out
}

// Handle implements socket.Node: dispatch by req.Method against the
// registry. Unknown methods are logged and answered with an "unknown
// method" error response on the originating socket. A panicking handler is
// recovered, logged, and likewise converted to an error response (spec
// §4.E: "caught at the dispatch boundary... converted to an error
// response on the originating socket when one is still writable").
func (b *base) Handle(h *socket.Handler, req *wire.Frame, threaded bool) {
	b.mu.Lock()
	fn, ok := b.handlers[req.Method]
	b.mu.Unlock()

	if !ok {
		b.Ctx.Errorf("node %s: unknown method %q on socket %s", b.ID, req.Method, h.ID)
		b.respondError(h, "unknown method: "+req.Method)
		return
	}

	dispatch := func() {
		defer func() {
			if r := recover(); r != nil {
				b.Ctx.Errorf("node %s: handler for %q panicked: %v", b.ID, req.Method, r)
				b.respondError(h, fmt.Sprintf("internal error in %s", req.Method))
			}
		}()
		fn(h, req)
	}

	if threaded {
		go dispatch()
	} else {
		dispatch()
	}
}

func (b *base) respondError(h *socket.Handler, message string) {
	resp := wire.NewResponse("500", message)
	if err := h.Send(resp); err != nil {
		b.Ctx.Debugf(1, "node %s: could not write error response to socket %s: %v", b.ID, h.ID, err)
	}
}

// SignalExit sets the exit flag; every loop in this Node checks it
// cooperatively between suspension points (spec §5).
func (b *base) SignalExit() {
	b.exit.Store(true)
	b.exitOnce.Do(func() { close(b.exitCh) })
}

// Exiting reports whether SignalExit has been called.
func (b *base) Exiting() bool {
	return b.exit.Load()
}

// ExitCh fires once, when SignalExit is first called.
func (b *base) ExitCh() <-chan struct{} {
	return b.exitCh
}

// SignalClose additionally marks this Node for cleanup; a shutdown sets
// both exit and close, a halt sets only exit (spec §4.E).
func (b *base) SignalClose() {
	b.closeFlag.Store(true)
	b.SignalExit()
}

// Closing reports whether SignalClose has been called.
func (b *base) Closing() bool {
	return b.closeFlag.Load()
}

// ShutdownSockets halts and closes every still-registered socket,
// blocking per socket, per the cleanup order common to both Node
// variants (spec §4.E).
func (b *base) ShutdownSockets() {
	for _, h := range b.Sockets() {
		h.Shutdown("node shutdown")
	}
}
