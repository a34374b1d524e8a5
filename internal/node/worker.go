package node

import (
	"sync"

	"github.com/aeviox/osprey/internal/ipc"
	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/socket"
	"github.com/aeviox/osprey/internal/wire"
)

// Worker owns one device's Streamer and the sockets currently serving
// its browser viewers (spec §4.E). It is driven entirely by messages
// arriving on its pipe to the Host: there is no accept loop here, since
// every socket a Worker ever owns starts life as a Host handoff.
type Worker struct {
	base

	pipe ipc.Channel

	mu       sync.Mutex
	sourceID string // socket id of the originating device connection, once signed on
}

// NewWorker wires a Worker to its Host-facing pipe. device names the
// stream this Worker was spawned to carry; it is stored as the node's
// Device and not otherwise read.
func NewWorker(ctx *runtime.Context, device string, pipe ipc.Channel) *Worker {
	w := &Worker{
		base: newBase(ctx, "worker", device),
		pipe: pipe,
	}
	w.SetOnSocketRemoved(w.onSocketRemoved)
	return w
}

// Run starts the pipe reader loop and blocks until the pipe closes or
// this Worker's exit flag is set.
func (w *Worker) Run() {
	for {
		if w.Exiting() {
			return
		}
		msg, err := w.pipe.Receive()
		if err != nil {
			w.Ctx.Debugf(1, "worker %s: pipe errored: %v", w.ID, err)
			w.shutdownLocal("pipe error")
			return
		}
		switch msg.Kind {
		case ipc.KindSocketPackage:
			w.adopt(msg.Package)
		case ipc.KindShutdown:
			w.shutdownLocal("host requested shutdown")
			return
		case ipc.KindClosed:
			w.Ctx.Debugf(1, "worker %s: pipe closed", w.ID)
			w.shutdownLocal("pipe closed")
			return
		}
	}
}

// adopt reconstructs a Socket Handler from an inbound package (spec §4.D
// step 5: "the Worker reconstructs a Socket Handler around the received
// fd, resumes its read loop, and — if the package carried a pending
// request — dispatches it immediately, exactly as if it had been read
// locally"). The first socket a Worker ever adopts is treated as its
// device source; losing it tears the Worker down (spec §4.E).
func (w *Worker) adopt(pkg *ipc.SocketPackage) {
	if pkg == nil || pkg.Conn == nil {
		return
	}
	hdl := socket.New(w.Ctx, w, pkg.HandlerID, pkg.Conn)
	addIfFirstSource(w, hdl)

	if pkg.HasRequest {
		req := &wire.Frame{
			Dir:     wire.Request,
			Method:  pkg.Method,
			Path:    pkg.Path,
			Code:    pkg.Code,
			Message: pkg.Message,
			Version: pkg.Version,
			Query:   pkg.Query,
			Headers: pkg.Headers,
			Body:    pkg.Body,
		}
		w.Handle(hdl, req, true)
	}
	hdl.Run()
}

// addIfFirstSource registers hdl and, if this is the first socket this
// Worker has ever owned, remembers it as the device source socket whose
// removal tears the whole Worker down.
func addIfFirstSource(w *Worker, hdl *socket.Handler) {
	w.AddSocket(hdl)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sourceID == "" {
		w.sourceID = hdl.ID
	}
}

// onSocketRemoved is wired as base's removal hook in NewWorker. Losing
// the device source socket means this Worker has nothing left to serve,
// so it shuts itself down and tells the Host via a KindShutdown message
// (spec §4.E).
func (w *Worker) onSocketRemoved(id string, remaining int) {
	w.mu.Lock()
	isSource := id == w.sourceID
	w.mu.Unlock()

	if isSource {
		w.Ctx.Infof("worker %s: source socket %s removed, shutting down", w.ID, id)
		w.shutdownLocal("source socket removed")
	}
}

// shutdownLocal closes every socket this Worker owns, notifies the Host
// over its pipe (best-effort: the pipe may already be gone), and marks
// this Worker's own exit/close flags.
func (w *Worker) shutdownLocal(reason string) {
	if w.Closing() {
		return
	}
	w.SignalClose()
	w.ShutdownSockets()
	w.pipe.Send(ipc.Message{Kind: ipc.KindShutdown})
	w.pipe.Close()
	w.Ctx.Debugf(1, "worker %s: shutdown complete (%s)", w.ID, reason)
}
