package node

import (
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aeviox/osprey/internal/ipc"
	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/socket"
	"github.com/aeviox/osprey/internal/wire"
)

// workerHandle is the Host's view of one spawned Worker: its pipe, the
// OS process (nil for an in-process test Worker), and the stream key
// browser requests route by.
type workerHandle struct {
	id  string
	key string
	ch  ipc.Channel
	cmd *exec.Cmd
}

// Host owns the accept loop and the pool of Worker pipes (spec §4.E).
// run_worker spawns a new OS process (or, when WorkerBinary is empty, is
// expected to be driven by tests via AdoptWorker instead), creates a
// duplex pipe, and starts a background reader that consumes pipe
// messages exactly like a Worker would for an inbound SocketPackage.
type Host struct {
	base

	listener     net.Listener
	workerBinary string
	configPath   string // forwarded as argv[1] so a spawned Worker loads the same config
	autoShutdown bool
	closeWait    time.Duration

	wmu     sync.Mutex
	workers map[string]*workerHandle

	cleanupOnce sync.Once
}

// NewHost binds listenAddr and returns a Host ready to Serve. configPath,
// when non-empty, is forwarded as the sole argument to every spawned
// Worker process (cmd/worker reloads it the same way cmd/host did via
// -c), so a Worker dials the same live store the Host was configured
// with.
func NewHost(ctx *runtime.Context, listenAddr, workerBinary, configPath string, autoShutdown bool) (*Host, error) {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	h := &Host{
		base:         newBase(ctx, "host", ""),
		listener:     lis,
		workerBinary: workerBinary,
		configPath:   configPath,
		autoShutdown: autoShutdown,
		closeWait:    100 * time.Millisecond,
		workers:      map[string]*workerHandle{},
	}
	h.Register("SIGN_ON", h.handleSignOn)
	h.Register("GET", h.handleBrowserGet)
	// Once the exit flag is set, unblock Serve's Accept; a close request
	// (e.g. auto-shutdown after the last Worker) also runs Cleanup.
	go func() {
		<-h.ExitCh()
		if h.Closing() {
			h.Cleanup()
		} else {
			h.listener.Close()
		}
	}()
	return h, nil
}

// Serve runs the accept loop until the Host's exit flag is set.
func (h *Host) Serve() error {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.Exiting() {
				return nil
			}
			return err
		}
		handler := socket.New(h.Ctx, h, uuid.NewString(), conn)
		h.AddSocket(handler)
		handler.Run()
	}
}

// handleSignOn implements step 1-4 of spec §4.D's Host→Worker transfer
// for a new device stream: halt the originating handler, spawn a fresh
// Worker process, package the live socket and pending request, and hand
// it across the new Worker's pipe.
func (h *Host) handleSignOn(hdl *socket.Handler, req *wire.Frame) {
	key := req.Header("name")
	w, err := h.spawnWorker(key)
	if err != nil {
		h.Ctx.Errorf("host %s: spawn worker for %q failed: %v", h.ID, key, err)
		h.respondError(hdl, "could not start worker")
		hdl.Shutdown("worker spawn failed")
		return
	}
	h.transfer(hdl, req, w)
}

// handleBrowserGet routes a browser request to the Worker already serving
// its path, per spec §4.D step 1's "browser request whose path matches an
// existing Worker's stream."
func (h *Host) handleBrowserGet(hdl *socket.Handler, req *wire.Frame) {
	h.wmu.Lock()
	var target *workerHandle
	for _, w := range h.workers {
		if w.key != "" && len(req.Path) > len(w.key) && req.Path[1:len(w.key)+1] == w.key {
			target = w
			break
		}
	}
	h.wmu.Unlock()

	if target == nil {
		h.respondError(hdl, "no worker for path "+req.Path)
		hdl.Shutdown("no matching worker")
		return
	}
	h.transfer(hdl, req, target)
}

// transfer performs the live-socket handoff onto w's pipe and drops hdl
// from this Node's own registry without running its shutdown path, since
// the socket itself stays open for the Worker (spec §4.D).
func (h *Host) transfer(hdl *socket.Handler, req *wire.Frame, w *workerHandle) {
	hdl.Halt()

	pkg := &ipc.SocketPackage{
		HandlerID:  hdl.ID,
		HasRequest: true,
		Method:     req.Method,
		Path:       req.Path,
		Code:       req.Code,
		Message:    req.Message,
		Version:    req.Version,
		Query:      req.Query,
		Headers:    req.Headers,
		Body:       req.Body,
		Conn:       hdl.Conn,
	}
	if f, err := ipc.ExtractFD(hdl.Conn); err == nil {
		pkg.FD = int(f.Fd())
		defer f.Close()
	}

	if err := w.ch.Send(ipc.Message{Kind: ipc.KindSocketPackage, Package: pkg}); err != nil {
		h.Ctx.Errorf("host %s: handoff to worker %s failed: %v", h.ID, w.id, err)
		hdl.Shutdown("handoff failed")
		return
	}
	h.dropSocket(hdl.ID)
}

// dropSocket removes id from the registry without invoking any Handler
// shutdown logic, used only when ownership of the live socket has moved
// to another process.
func (h *Host) dropSocket(id string) {
	h.mu.Lock()
	delete(h.sockets, id)
	h.mu.Unlock()
}

// spawnWorker launches a new Worker process bound to a fresh pipe pair
// and starts the Host-side reader loop for it.
func (h *Host) spawnWorker(key string) (*workerHandle, error) {
	ctrlHere, ctrlThere, err := ipc.NewSocketpair()
	if err != nil {
		return nil, err
	}
	fdHere, fdThere, err := ipc.NewSocketpair()
	if err != nil {
		ctrlHere.Close()
		ctrlThere.Close()
		return nil, err
	}

	var args []string
	if h.configPath != "" {
		args = []string{h.configPath}
	}
	cmd := exec.Command(h.workerBinary, args...)
	cmd.ExtraFiles = []*os.File{ctrlThere, fdThere}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		ctrlHere.Close()
		fdHere.Close()
		ctrlThere.Close()
		fdThere.Close()
		return nil, err
	}
	ctrlThere.Close()
	fdThere.Close()

	ch, err := ipc.NewProcessChannel(ctrlHere, fdHere, true)
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}

	w := &workerHandle{id: uuid.NewString(), key: key, ch: ch, cmd: cmd}
	h.wmu.Lock()
	h.workers[w.id] = w
	h.wmu.Unlock()

	go h.pipeReaderLoop(w)
	return w, nil
}

// AdoptWorker registers an already-connected Channel as a Worker pipe,
// bypassing process spawning. Used by internal tests and by the
// single-process fallback mode (Design Notes §9) where Host and Worker
// share an address space and are wired together with ipc.NewInprocPair.
func (h *Host) AdoptWorker(key string, ch ipc.Channel) {
	w := &workerHandle{id: uuid.NewString(), key: key, ch: ch}
	h.wmu.Lock()
	h.workers[w.id] = w
	h.wmu.Unlock()
	go h.pipeReaderLoop(w)
}

// pipeReaderLoop consumes messages from one Worker's pipe until it
// closes, per spec §4.E's Host-side message handling.
func (h *Host) pipeReaderLoop(w *workerHandle) {
	for {
		if h.Exiting() {
			return
		}
		msg, err := w.ch.Receive()
		if err != nil {
			h.Ctx.Debugf(1, "host %s: pipe to worker %s errored: %v", h.ID, w.id, err)
			h.removeWorker(w.id)
			return
		}
		switch msg.Kind {
		case ipc.KindSocketPackage:
			// Inbound transfer onto the Host: unusual, but handled the
			// same way a Worker would (spec §4.E).
			h.adoptPackage(msg.Package)
		case ipc.KindShutdown:
			h.removeWorker(w.id)
			return
		case ipc.KindClosed:
			h.Ctx.Debugf(1, "host %s: worker %s pipe closed unexpectedly", h.ID, w.id)
			h.removeWorker(w.id)
			return
		}
	}
}

// adoptPackage reconstructs a Socket Handler from an inbound package and
// dispatches its pending request through this Node, exactly like a
// Worker receiving a handoff would (spec §4.D step 5).
func (h *Host) adoptPackage(pkg *ipc.SocketPackage) {
	if pkg == nil || pkg.Conn == nil {
		return
	}
	hdl := socket.New(h.Ctx, h, pkg.HandlerID, pkg.Conn)
	h.AddSocket(hdl)
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
		h.Handle(hdl, req, true)
	}
	hdl.Run()
}

// removeWorker drops w from the pool and, when the auto-shutdown policy
// is enabled and no Worker pipes remain, signals this Host's own close.
func (h *Host) removeWorker(id string) {
	h.wmu.Lock()
	delete(h.workers, id)
	remaining := len(h.workers)
	h.wmu.Unlock()

	if h.autoShutdown && remaining == 0 {
		h.Ctx.Infof("host %s: last worker removed, auto-shutdown engaging", h.ID)
		h.SignalClose()
	}
}

// Cleanup implements the Host side of spec §4.E's cleanup order: shut
// down all sockets, send SHUTDOWN to each remaining Worker pipe, then
// after a grace window forcibly terminate any still-alive Worker
// process.
func (h *Host) Cleanup() {
	h.cleanupOnce.Do(func() {
		h.ShutdownSockets()
		h.listener.Close()

		h.wmu.Lock()
		workers := make([]*workerHandle, 0, len(h.workers))
		for _, w := range h.workers {
			workers = append(workers, w)
		}
		h.wmu.Unlock()

		for _, w := range workers {
			w.ch.Send(ipc.Message{Kind: ipc.KindShutdown})
		}
		time.Sleep(h.closeWait)
		for _, w := range workers {
			if w.cmd != nil && w.cmd.Process != nil {
				w.cmd.Process.Kill()
			}
			w.ch.Close()
		}
	})
}
