package streamer

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/aeviox/osprey/internal/config"
	"github.com/aeviox/osprey/internal/ipc"
	"github.com/aeviox/osprey/internal/node"
	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/socket"
	"github.com/aeviox/osprey/internal/wire"
)

type fakeWriter struct {
	writes []map[string]interface{}

	infoID   string
	info     map[string]string
	groups   map[string]string // streamName -> streamID, keyed by the group name last set
	groupKey string
}

func (f *fakeWriter) WriteData(stream string, row map[string]interface{}) error {
	f.writes = append(f.writes, row)
	return nil
}

func (f *fakeWriter) SetInfo(streamID string, data map[string]string) error {
	f.infoID = streamID
	f.info = data
	return nil
}

func (f *fakeWriter) SetGroup(groupName, streamName, streamID string) error {
	f.groupKey = groupName
	if f.groups == nil {
		f.groups = map[string]string{}
	}
	f.groups[streamName] = streamID
	return nil
}

func newTestContext(t *testing.T) *runtime.Context {
	t.Helper()
	ctx, err := runtime.New(&config.Config{})
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	return ctx
}

// setup builds a Worker bound to an EEG Streamer over an in-process pipe,
// and a Handler attached to one net.Pipe-backed socket for dispatch.
func setup(t *testing.T) (*Streamer, *node.Worker, *socket.Handler, *fakeWriter) {
	t.Helper()
	ctx := newTestContext(t)
	_, workerSide := ipc.NewInprocPair(4)
	w := node.NewWorker(ctx, "eeg-01", workerSide)

	writer := &fakeWriter{}
	s := New(ctx, writer, NewEEGHandler(), 5*time.Millisecond)
	s.Bind(w)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	go io.Copy(io.Discard, clientConn) // drain responses so Handler.Send never blocks
	hdl := socket.New(ctx, w, "sock-1", serverConn)
	w.AddSocket(hdl)

	return s, w, hdl, writer
}

func TestStreamerSignOnTransitionsIdleToReady(t *testing.T) {
	s, w, hdl, writer := setup(t)
	if s.State() != Idle {
		t.Fatalf("initial state = %s, want idle", s.State())
	}

	req := wire.NewRequest("SIGN_ON", "/eeg")
	req.SetHeader("name", "eeg-01")
	req.SetHeader("device", "raspi-3")
	w.Handle(hdl, req, false)

	if s.State() != Ready {
		t.Fatalf("state after SIGN_ON = %s, want ready", s.State())
	}

	if writer.infoID != "eeg-01" {
		t.Fatalf("info record keyed by %q, want %q", writer.infoID, "eeg-01")
	}
	if writer.info["device"] != "raspi-3" {
		t.Fatalf("info[device] = %q, want %q", writer.info["device"], "raspi-3")
	}
	if writer.groupKey != "raspi-3" {
		t.Fatalf("group name = %q, want %q", writer.groupKey, "raspi-3")
	}
	if writer.groups["eeg-01"] != "eeg-01" {
		t.Fatalf("group[eeg-01] = %q, want %q", writer.groups["eeg-01"], "eeg-01")
	}
}

func TestStreamerStartIsIdempotent(t *testing.T) {
	s, w, hdl, _ := setup(t)
	w.Handle(hdl, wire.NewRequest("SIGN_ON", "/eeg"), false)

	w.Handle(hdl, wire.NewRequest("START", "/eeg"), false)
	if s.State() != Running {
		t.Fatalf("state after first START = %s, want running", s.State())
	}

	w.Handle(hdl, wire.NewRequest("START", "/eeg"), false)
	if s.State() != Running {
		t.Fatalf("state after second START = %s, want still running", s.State())
	}

	w.Handle(hdl, wire.NewRequest("STOP", "/eeg"), false)
	if s.State() != Ready {
		t.Fatalf("state after STOP = %s, want ready", s.State())
	}
}

func TestStreamerIngestFlowsToWriter(t *testing.T) {
	_, w, hdl, writer := setup(t)
	w.Handle(hdl, wire.NewRequest("SIGN_ON", "/eeg"), false)
	w.Handle(hdl, wire.NewRequest("START", "/eeg"), false)

	ingest := wire.NewRequest("INGEST", "/eeg")
	ingest.Body = []byte(`{"time": 1000, "ch1": 0.5, "ch2": 0.7}`)
	w.Handle(hdl, ingest, false)

	deadline := time.Now().Add(time.Second)
	for len(writer.writes) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no write observed after ingest")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if writer.writes[0]["ch1"] != 0.5 {
		t.Fatalf("unexpected row: %+v", writer.writes[0])
	}

	w.Handle(hdl, wire.NewRequest("STOP", "/eeg"), false)
}

func TestStreamerStopFlushesAndReturnsToReady(t *testing.T) {
	s, w, hdl, _ := setup(t)
	w.Handle(hdl, wire.NewRequest("SIGN_ON", "/eeg"), false)
	w.Handle(hdl, wire.NewRequest("START", "/eeg"), false)
	w.Handle(hdl, wire.NewRequest("STOP", "/eeg"), false)
	if s.State() != Ready {
		t.Fatalf("state after STOP = %s, want ready", s.State())
	}
	// A second STOP while already stopped is a harmless no-op.
	w.Handle(hdl, wire.NewRequest("STOP", "/eeg"), false)
	if s.State() != Ready {
		t.Fatalf("state after redundant STOP = %s, want ready", s.State())
	}
}
