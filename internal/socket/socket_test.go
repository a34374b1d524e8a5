package socket

import (
	"bufio"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aeviox/osprey/internal/buffer"
	"github.com/aeviox/osprey/internal/config"
	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/wire"
)

// fakeNode records dispatched requests and removals for assertions.
type fakeNode struct {
	mu       sync.Mutex
	handled  []*wire.Frame
	removed  []string
	handleFn func(h *Handler, req *wire.Frame)
}

func (n *fakeNode) Handle(h *Handler, req *wire.Frame, threaded bool) {
	n.mu.Lock()
	n.handled = append(n.handled, req)
	n.mu.Unlock()
	if n.handleFn != nil {
		n.handleFn(h, req)
	}
}

func (n *fakeNode) RemoveSocket(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, id)
}

func newTestContext(t *testing.T, denyList []string) *runtime.Context {
	t.Helper()
	cfg := config.Default()
	cfg.DenyList = denyList
	ctx, err := runtime.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

func TestHandlerDispatchesRequest(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx := newTestContext(t, nil)
	node := &fakeNode{}
	h := New(ctx, node, "h1", server)
	h.Run()

	req := wire.NewRequest("SIGN_ON", "/")
	req.SetHeader("name", "s1")
	if err := req.Encode(client); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		node.mu.Lock()
		n := len(node.handled)
		node.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatch")
		case <-time.After(time.Millisecond):
		}
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if node.handled[0].Method != "SIGN_ON" {
		t.Fatalf("got method %q", node.handled[0].Method)
	}
}

func TestHandlerDeniesBeforeBodyRead(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx := newTestContext(t, []string{"evil.example"})
	node := &fakeNode{}
	h := New(ctx, node, "h1", server)
	h.Run()

	req := wire.NewRequest("SIGN_ON", "/")
	req.SetHeader("host", "evil.example")
	req.Body = []byte("payload")
	if err := req.Encode(client); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		node.mu.Lock()
		n := len(node.removed)
		node.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for shutdown notification")
		case <-time.After(time.Millisecond):
		}
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if len(node.handled) != 0 {
		t.Fatal("denied request should never reach Handle")
	}
	if node.removed[0] != "h1" {
		t.Fatalf("got removed %v", node.removed)
	}
}

func TestHandlerShutdownIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx := newTestContext(t, nil)
	node := &fakeNode{}
	h := New(ctx, node, "h1", server)

	h.Shutdown("first")
	h.Shutdown("second")

	node.mu.Lock()
	defer node.mu.Unlock()
	if len(node.removed) != 1 {
		t.Fatalf("expected exactly one RemoveSocket call, got %d", len(node.removed))
	}
}

func TestHandlerHaltPreservesSocket(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx := newTestContext(t, nil)
	node := &fakeNode{}
	h := New(ctx, node, "h1", server)
	h.Halt()

	// halt must not close the socket: a write from the other end should
	// still be readable here.
	done := make(chan struct{})
	go func() {
		client.Write([]byte("ping"))
		close(done)
	}()
	buf := make([]byte, 4)
	server.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("expected socket to remain open after halt: %v", err)
	}
	<-done
}

func TestSendMultipartRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx := newTestContext(t, nil)
	node := &fakeNode{}
	h := New(ctx, node, "h1", server)

	slot := buffer.NewLatestSlot()
	go h.SendMultipart(slot, true, false, "image/jpeg")

	time.Sleep(10 * time.Millisecond) // let SendMultipart subscribe
	slot.Write([]byte("frame-bytes"))

	br := bufio.NewReader(client)
	boundary, err := wire.ReadLine(br)
	if err != nil {
		t.Fatal(err)
	}
	if boundary != multipartBoundary {
		t.Fatalf("got boundary %q", boundary)
	}
	headers, err := wire.ParseHeaderBlock(br)
	if err != nil {
		t.Fatal(err)
	}
	if headers["content-type"] != "image/jpeg" {
		t.Fatalf("headers = %+v", headers)
	}
	if headers["content-length"] != "11" {
		t.Fatalf("content-length = %q", headers["content-length"])
	}
	body := make([]byte, 11)
	if _, err := io.ReadFull(br, body); err != nil {
		t.Fatal(err)
	}
	if string(body) != "frame-bytes" {
		t.Fatalf("body = %q", body)
	}

	h.Halt()
}
