package streamer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/aeviox/osprey/internal/xerr"
)

// rowQueueHandler is the shared behavior for every Handler whose rows
// arrive pre-formed (JSON INGEST bodies, or decoded multipart chunks)
// rather than being generated by a per-tick computation: push replaces the
// pending batch, Loop takes it (if not yet taken) non-blockingly.
type rowQueueHandler struct {
	name string

	mu    sync.Mutex
	batch map[string]interface{} // coalesced: only the latest unread batch is kept
	dirty bool
}

func newRowQueueHandler(name string) *rowQueueHandler {
	return &rowQueueHandler{name: name}
}

func (q *rowQueueHandler) Name() string { return q.name }

// push replaces the pending batch. Per spec §4.G's coalescing shared
// buffers, a Streamer tick that runs slower than the device's push rate
// observes only the latest batch, never an unbounded backlog.
func (q *rowQueueHandler) push(row map[string]interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batch = row
	q.dirty = true
}

func (q *rowQueueHandler) Loop(now time.Time) (map[string]interface{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.dirty {
		return nil, nil
	}
	q.dirty = false
	return q.batch, nil
}

func (q *rowQueueHandler) Close() error { return nil }

// decodeIngestBody parses an INGEST request body into a row: a JSON
// object whose values are either scalars or equal-length arrays (spec
// §4.H's all-scalar-or-all-same-length shape rule; the actual shape
// check is the Store Wrapper's to enforce, this only decodes).
func decodeIngestBody(body []byte) (map[string]interface{}, error) {
	var row map[string]interface{}
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, xerr.Wrap(xerr.ProtocolError, "ingest body: "+err.Error())
	}
	if _, ok := row["time"]; !ok {
		return nil, xerr.Wrap(xerr.ProtocolError, "ingest body missing time column")
	}
	return row, nil
}
