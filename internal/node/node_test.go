package node

import (
	"net"
	"testing"
	"time"

	"github.com/aeviox/osprey/internal/config"
	"github.com/aeviox/osprey/internal/ipc"
	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/socket"
	"github.com/aeviox/osprey/internal/wire"
)

func newTestContext(t *testing.T) *runtime.Context {
	t.Helper()
	ctx, err := runtime.New(&config.Config{})
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	return ctx
}

func newHostForTest(t *testing.T) *Host {
	t.Helper()
	h, err := NewHost(newTestContext(t), "127.0.0.1:0", "", "", false)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return h
}

// TestHostAdoptsWorkerPipe checks AdoptWorker registers a pipe and that a
// KindShutdown message from the worker side removes it from the pool.
func TestHostAdoptsWorkerPipe(t *testing.T) {
	h := newHostForTest(t)
	a, b := ipc.NewInprocPair(4)
	h.AdoptWorker("eeg", a)

	if err := b.Send(ipc.Message{Kind: ipc.KindShutdown}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		h.wmu.Lock()
		n := len(h.workers)
		h.wmu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("worker was not removed after shutdown message")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestHostTransferHandsOffLiveConn verifies that Host.transfer packages
// the originating handler's connection and pending request, sends it over
// the worker's pipe, halts the handler, and drops it from the Host's own
// registry without invoking its shutdown path.
func TestHostTransferHandsOffLiveConn(t *testing.T) {
	h := newHostForTest(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	hdl := socket.New(h.Ctx, h, "sock-1", serverConn)
	h.AddSocket(hdl)

	a, b := ipc.NewInprocPair(4)
	w := &workerHandle{id: "w1", key: "eeg", ch: a}
	h.wmu.Lock()
	h.workers[w.id] = w
	h.wmu.Unlock()

	req := wire.NewRequest("SIGN_ON", "/eeg")
	req.SetHeader("name", "eeg")

	h.transfer(hdl, req, w)

	msg, err := b.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Kind != ipc.KindSocketPackage {
		t.Fatalf("kind = %v, want KindSocketPackage", msg.Kind)
	}
	if msg.Package.Method != "SIGN_ON" || msg.Package.Path != "/eeg" {
		t.Fatalf("package method/path = %q/%q", msg.Package.Method, msg.Package.Path)
	}
	if msg.Package.Conn == nil {
		t.Fatal("package carried no live conn")
	}

	h.mu.Lock()
	_, stillThere := h.sockets[hdl.ID]
	h.mu.Unlock()
	if stillThere {
		t.Fatal("handler was not dropped from host registry after transfer")
	}
}

// TestWorkerAdoptsSignOnAndShutsDownOnSourceLoss exercises the Worker side
// of the handoff end to end: receiving a SocketPackage with a pending
// SIGN_ON request, dispatching it, and then tearing itself down (and
// notifying the Host) once its source socket is removed.
func TestWorkerAdoptsSignOnAndShutsDownOnSourceLoss(t *testing.T) {
	ctx := newTestContext(t)
	hostSide, workerSide := ipc.NewInprocPair(4)

	w := NewWorker(ctx, "eeg", workerSide)
	signedOn := make(chan struct{}, 1)
	w.Register("SIGN_ON", func(h *socket.Handler, req *wire.Frame) {
		signedOn <- struct{}{}
	})
	go w.Run()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	req := wire.NewRequest("SIGN_ON", "/eeg")
	pkg := &ipc.SocketPackage{
		HandlerID:  "source-1",
		HasRequest: true,
		Method:     req.Method,
		Path:       req.Path,
		Version:    req.Version,
		Query:      req.Query,
		Headers:    req.Headers,
		Conn:       serverConn,
	}
	if err := hostSide.Send(ipc.Message{Kind: ipc.KindSocketPackage, Package: pkg}); err != nil {
		t.Fatalf("send package: %v", err)
	}

	select {
	case <-signedOn:
	case <-time.After(time.Second):
		t.Fatal("worker never dispatched SIGN_ON")
	}

	w.RemoveSocket("source-1")

	type result struct {
		msg ipc.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := hostSide.Receive()
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("receive: %v", r.err)
		}
		if r.msg.Kind != ipc.KindShutdown {
			t.Fatalf("kind = %v, want KindShutdown", r.msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("host never saw worker shutdown notification")
	}
}
