// Package socket implements the Socket Handler (spec §4.B): the object
// that owns exactly one TCP connection, runs its read loop, and serializes
// reads against inbound multipart consumers and writes against concurrent
// senders. The loop/lock shape is grounded on smux.Session's recvLoop/
// sendLoop split (SagerNet-smux session.go) — one reader goroutine, with
// the write side serialized through a lock instead of smux's shaped
// write-request channel, since spec §5 asks for a plain mutex here, not
// bandwidth shaping.
package socket

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"

	"github.com/aeviox/osprey/internal/buffer"
	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/wire"
	"github.com/aeviox/osprey/internal/xerr"
)

// Node is the subset of Host/Worker behavior a Handler needs: dispatching
// a parsed request and being told, exactly once, that a handler is gone.
// Defined here (not in internal/node) so internal/node can depend on
// internal/socket without a cycle back.
type Node interface {
	Handle(h *Handler, req *wire.Frame, threaded bool)
	RemoveSocket(id string)
}

// DataSink is the write side of a shared buffer (satisfied by
// *buffer.LatestSlot) that ParseMultipart feeds decoded chunks into.
type DataSink interface {
	Write(data []byte)
}

const multipartBoundary = "--DATA"

// Handler owns one TCP connection end-to-end: parsing inbound requests,
// enforcing the deny-list before any body bytes are read, dispatching
// through its Node, and serializing outbound writes.
type Handler struct {
	ID   string
	Conn net.Conn

	node Node
	ctx  *runtime.Context

	br *bufio.Reader

	readMu  sync.Mutex
	writeMu sync.Mutex

	halted       atomic.Bool
	shutdownOnce sync.Once

	mu      sync.Mutex
	pending *wire.Frame // last fully-parsed request, kept for handoff
}

// New wraps conn in a Handler bound to node. id is caller-supplied so a
// handoff can preserve identity across a PipeChannel (spec §4.D).
func New(ctx *runtime.Context, node Node, id string, conn net.Conn) *Handler {
	return &Handler{
		ID:   id,
		Conn: conn,
		node: node,
		ctx:  ctx,
		br:   bufio.NewReader(conn),
	}
}

// Run spawns the read loop and returns immediately. Not re-entrant: call
// it once per Handler.
func (h *Handler) Run() {
	go h.readLoop()
}

func (h *Handler) readLoop() {
	for {
		if h.halted.Load() {
			return
		}

		h.readMu.Lock()
		f, err := wire.ParseHead(h.br)
		if err != nil {
			h.readMu.Unlock()
			h.Shutdown(fmt.Sprintf("parse error: %v", err))
			return
		}

		if denied, reason := h.ctx.Denied(f.Header("host"), f.Header("user-agent")); denied {
			h.readMu.Unlock()
			h.ctx.Warnf("socket %s denied: %s", h.ID, reason)
			h.Shutdown("denied: " + reason)
			return
		}

		if err := f.ReadBody(h.br); err != nil {
			h.readMu.Unlock()
			h.Shutdown(fmt.Sprintf("body read error: %v", err))
			return
		}
		h.readMu.Unlock()

		h.mu.Lock()
		h.pending = f
		h.mu.Unlock()

		h.node.Handle(h, f, true)
	}
}

// Pending returns the last fully-parsed request, or nil. Used by the
// owning Node to snapshot the in-flight request into a SocketPackage
// during handoff.
func (h *Handler) Pending() *wire.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}

// Send encodes and writes f under the write lock, atomically per call.
func (h *Handler) Send(f *wire.Frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := f.Encode(h.Conn); err != nil {
		return xerr.Wrap(xerr.PeerClosed, "send: "+err.Error())
	}
	return nil
}

// SendMultipart drains src (typically a *buffer.LatestSlot) and emits each
// new value as a multipart chunk: a boundary line, headers (content-type
// when browser is true, content-length always), a blank line, then the
// raw bytes. When compress is set, the chunk body is snappy-compressed
// and a content-encoding header names it, so ParseMultipart on the other
// end knows to reverse it. It runs until the handler is halted.
func (h *Handler) SendMultipart(src *buffer.LatestSlot, browser, compress bool, contentType string) error {
	token := src.Subscribe()
	defer src.Unsubscribe(token)

	for {
		if h.halted.Load() {
			return nil
		}
		data, ok := src.Read(token, true)
		if !ok {
			continue
		}
		if h.halted.Load() {
			return nil
		}

		if compress {
			data = snappy.Encode(nil, data)
		}

		h.writeMu.Lock()
		err := writeMultipartChunk(h.Conn, data, browser, compress, contentType)
		h.writeMu.Unlock()
		if err != nil {
			h.Shutdown("multipart write error: " + err.Error())
			return xerr.Wrap(xerr.PeerClosed, "send_multipart: "+err.Error())
		}
	}
}

func writeMultipartChunk(w io.Writer, data []byte, browser, compressed bool, contentType string) error {
	head := multipartBoundary + "\r\n"
	if browser && contentType != "" {
		head += fmt.Sprintf("content-type : %s\r\n", contentType)
	}
	if compressed {
		head += "content-encoding : snappy\r\n"
	}
	head += fmt.Sprintf("content-length : %d\r\n\r\n", len(data))
	if _, err := w.Write([]byte(head)); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ParseMultipart is the inverse of SendMultipart: it reads one boundary
// line, headers until a blank line, exactly content-length bytes,
// snappy-decompresses the body when content-encoding names it, then feeds
// the result into sink.Write. It holds the read lock for the duration of
// one chunk, serializing with the handler's own read loop per spec §5
// ("per-socket read lock serializes the parser with inbound multipart
// consumers").
func (h *Handler) ParseMultipart(sink DataSink) error {
	h.readMu.Lock()
	defer h.readMu.Unlock()

	boundary, err := wire.ReadLine(h.br)
	if err != nil {
		return err
	}
	if boundary != multipartBoundary {
		return xerr.Wrapf(xerr.ProtocolError, "expected multipart boundary %q, got %q", multipartBoundary, boundary)
	}

	headers, err := wire.ParseHeaderBlock(h.br)
	if err != nil {
		return err
	}

	n, err := strconv.Atoi(headers["content-length"])
	if err != nil || n < 0 {
		return xerr.Wrapf(xerr.ProtocolError, "bad multipart content-length: %q", headers["content-length"])
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(h.br, body); err != nil {
		return xerr.Wrap(xerr.PeerClosed, "short multipart body: "+err.Error())
	}

	if headers["content-encoding"] == "snappy" {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return xerr.Wrap(xerr.ProtocolError, "snappy decode: "+err.Error())
		}
		body = decoded
	}
	sink.Write(body)
	return nil
}

// Halt marks the handler as exiting without closing the underlying
// socket, preserving live-handoff semantics (spec §4.B).
func (h *Handler) Halt() {
	h.halted.Store(true)
}

// Shutdown halts, closes the underlying socket, and notifies the parent
// Node exactly once (idempotent: a duplicate call is a no-op with a debug
// log, per spec §4.B).
func (h *Handler) Shutdown(reason string) {
	h.Halt()
	first := false
	h.shutdownOnce.Do(func() {
		first = true
		h.Conn.Close()
		h.ctx.Debugf(1, "socket %s shutdown: %s", h.ID, reason)
		h.node.RemoveSocket(h.ID)
	})
	if !first {
		h.ctx.Debugf(1, "socket %s: duplicate shutdown ignored (%s)", h.ID, reason)
	}
}
