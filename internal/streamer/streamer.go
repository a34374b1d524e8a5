// Package streamer implements the Streamer Role (spec §4.F): a Worker
// subtype driving one device stream through idle/ready/running/terminal,
// draining whatever its concrete per-type Handler has queued on each
// running tick and forwarding the batch to the Store Wrapper's write_data.
//
// Sensor acquisition itself (camera, EEG board, Sense-HAT, microphone
// drivers) is an external producer per spec §1's Non-goals; what lives
// here is the receiving half: decoding whatever the device pushed over
// its socket (INGEST requests for scalar rows, multipart chunks for
// video/audio frames) into row batches and handing them to the Store.
package streamer

import (
	"sync"
	"time"

	"github.com/aeviox/osprey/internal/node"
	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/socket"
	"github.com/aeviox/osprey/internal/wire"
)

// DataWriter is the write side of the Store Wrapper a Streamer pushes
// batches into and records its sign-on bookkeeping on
// (internal/store.liveStore satisfies this).
type DataWriter interface {
	WriteData(stream string, row map[string]interface{}) error

	// SetInfo writes the info:<stream-id> record (spec §4.H's Info
	// record), keyed by stream id — in this implementation the
	// device-declared stream name itself (spec.md's Glossary: a
	// "stream-id" is whatever key a `stream:<stream-id>` record lives
	// under, and no separate id is generated above that).
	SetInfo(streamID string, data map[string]string) error

	// SetGroup maps streamName -> streamID under group:<groupName> (spec
	// §4.H's Group record), so a device's streams can be enumerated by
	// group name later.
	SetGroup(groupName, streamName, streamID string) error
}

// Handler is one concrete sensor type's behavior: what to call it, what
// to do with each running tick, and what to flush on STOP.
type Handler interface {
	// Name is the handler class name SIGN_ON declares (spec §4.F).
	Name() string

	// Loop drains and returns one ready batch, or (nil, nil) if nothing
	// is ready yet this tick. All columns in the returned map must be
	// equal length and include "time" (spec §4.H write_data).
	Loop(now time.Time) (map[string]interface{}, error)

	// Close flushes any trailing per-type state on STOP (e.g. closing a
	// log file or camera recorder, spec §4.F).
	Close() error
}

// multipartSource is implemented by Handlers (Video, Audio) that ingest
// raw framed chunks off the data-source socket instead of JSON INGEST
// requests. Bind starts their chunk-reading loop once SIGN_ON resolves
// which socket is the data source.
type multipartSource interface {
	StartIngest(hdl *socket.Handler)
}

// Streamer drives a Handler through the spec §4.F state machine and is
// bound onto a Worker's dispatch table via Bind.
type Streamer struct {
	ctx     *runtime.Context
	writer  DataWriter
	handler Handler

	tick time.Duration

	mu        sync.Mutex
	state     State
	name      string
	device    string
	startWall time.Time

	stopLoop chan struct{}
	loopDone chan struct{}
}

// New builds a Streamer in the idle state. tick is how often the main
// loop polls the handler for a ready batch while running.
func New(ctx *runtime.Context, writer DataWriter, handler Handler, tick time.Duration) *Streamer {
	return &Streamer{
		ctx:     ctx,
		writer:  writer,
		handler: handler,
		tick:    tick,
		state:   Idle,
	}
}

// Bind registers this Streamer's dispatch methods on w. SIGN_ON, START,
// STOP, and INGEST all arrive as ordinary dispatched requests (spec
// §4.E's Node.HANDLE dispatches by method name uniformly; there is no
// special-cased path for any one method).
func (s *Streamer) Bind(w *node.Worker) {
	w.Register("SIGN_ON", s.handleSignOn)
	w.Register("START", s.handleStart)
	w.Register("STOP", s.handleStop)
	w.Register("INGEST", s.handleIngest)
}

func (s *Streamer) handleSignOn(h *socket.Handler, req *wire.Frame) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		s.ctx.Warnf("streamer %s: SIGN_ON received outside idle state (%s), ignoring", s.handler.Name(), s.state)
		return
	}
	s.name = req.Header("name")
	s.device = req.Header("device")
	s.state = Ready
	s.mu.Unlock()

	// Server creates the info and group records for this stream (spec
	// §4.F SIGN_ON).
	info := map[string]string{"device": s.device, "class": s.handler.Name()}
	if err := s.writer.SetInfo(s.name, info); err != nil {
		s.ctx.Errorf("streamer %s: set_info(%s) failed: %v", s.handler.Name(), s.name, err)
	}
	if err := s.writer.SetGroup(s.device, s.name, s.name); err != nil {
		s.ctx.Errorf("streamer %s: set_group(%s -> %s) failed: %v", s.handler.Name(), s.device, s.name, err)
	}

	s.ctx.Infof("streamer %s: signed on as %q (device %q)", s.handler.Name(), s.name, s.device)

	if ms, ok := s.handler.(multipartSource); ok {
		ms.StartIngest(h)
	}
	h.Send(wire.NewResponse("200", "signed on"))
}

func (s *Streamer) handleStart(h *socket.Handler, req *wire.Frame) {
	s.mu.Lock()
	switch s.state {
	case Running:
		s.mu.Unlock()
		s.ctx.Warnf("streamer %s: START while already running, ignoring (idempotent)", s.handler.Name())
		h.Send(wire.NewResponse("200", "already running"))
		return
	case Ready:
		s.state = Running
		s.startWall = time.Now()
		s.stopLoop = make(chan struct{})
		s.loopDone = make(chan struct{})
		s.mu.Unlock()
		go s.runLoop(s.stopLoop, s.loopDone)
		h.Send(wire.NewResponse("200", "started"))
	default:
		s.mu.Unlock()
		s.ctx.Errorf("streamer %s: START rejected from state %s", s.handler.Name(), s.state)
		h.Send(wire.NewResponse("409", "cannot start from "+s.state.String()))
	}
}

func (s *Streamer) handleStop(h *socket.Handler, req *wire.Frame) {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		h.Send(wire.NewResponse("200", "already stopped"))
		return
	}
	stop, done := s.stopLoop, s.loopDone
	s.state = Ready
	s.mu.Unlock()

	close(stop)
	<-done
	if err := s.handler.Close(); err != nil {
		s.ctx.Errorf("streamer %s: close on stop: %v", s.handler.Name(), err)
	}
	h.Send(wire.NewResponse("200", "stopped"))
}

// handleIngest decodes a JSON row batch from req.Body and queues it on
// the handler, for the scalar streamer types (EEG, SenseHAT, Log) that
// don't ingest via multipart framing. Video and Audio answer INGEST with
// a 400.
func (s *Streamer) handleIngest(h *socket.Handler, req *wire.Frame) {
	q, ok := s.handler.(*rowQueueHandler)
	if !ok {
		s.ctx.Errorf("streamer %s: INGEST received but handler does not accept row batches", s.handler.Name())
		h.Send(wire.NewResponse("400", "handler does not accept INGEST"))
		return
	}
	row, err := decodeIngestBody(req.Body)
	if err != nil {
		h.Send(wire.NewResponse("400", "bad ingest body: "+err.Error()))
		return
	}
	q.push(row)
	h.Send(wire.NewResponse("200", "ok"))
}

// runLoop is the main loop (spec §4.F): while running, poll the handler
// every tick for a ready batch and write it to the Store.
func (s *Streamer) runLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			batch, err := s.handler.Loop(time.Now())
			if err != nil {
				s.ctx.Errorf("streamer %s: loop step failed: %v", s.handler.Name(), err)
				continue
			}
			if batch == nil {
				continue
			}
			s.mu.Lock()
			stream := s.name
			s.mu.Unlock()
			if err := s.writer.WriteData(stream, batch); err != nil {
				s.ctx.Errorf("streamer %s: write_data(%s) failed: %v", s.handler.Name(), stream, err)
			}
		}
	}
}

// Shutdown moves the Streamer to terminal, stopping the main loop first
// if it was running.
func (s *Streamer) Shutdown() {
	s.mu.Lock()
	if s.state == Running {
		stop, done := s.stopLoop, s.loopDone
		s.state = Terminal
		s.mu.Unlock()
		close(stop)
		<-done
		s.handler.Close()
		return
	}
	s.state = Terminal
	s.mu.Unlock()
}

// State reports the current lifecycle state, for tests and diagnostics.
func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
