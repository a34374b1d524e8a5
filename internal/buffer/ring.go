package buffer

import (
	"encoding/json"
	"sync"

	"github.com/aeviox/osprey/internal/xerr"
)

// Ring is a fixed-capacity, multi-column circular buffer for graph data
// (spec §4.G). Writes append point-by-point across all columns; once full,
// the oldest point is silently overwritten. Readers subscribe exactly like
// LatestSlot; Read coalesces to the most recent Write call's batch, while
// ReadAll returns the full ring content in chronological order.
type Ring struct {
	mu sync.Mutex

	capacity int
	length   int // number of valid points currently stored, <= capacity
	head     int // index the next point is written to

	data map[string][]float64 // each column is a circular array of len == capacity

	lastBatch map[string][]float64 // most recent Write call's points, for coalescing
	readers   map[*Token]struct{}
}

// NewRing allocates a ring with the given per-column capacity.
func NewRing(capacity int) *Ring {
	return &Ring{
		capacity: capacity,
		data:     map[string][]float64{},
		readers:  map[*Token]struct{}{},
	}
}

// Subscribe registers a new reader.
func (r *Ring) Subscribe() *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &Token{ch: make(chan struct{}, 1)}
	r.readers[t] = struct{}{}
	return t
}

// Unsubscribe removes a reader.
func (r *Ring) Unsubscribe(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.readers, t)
}

// Write appends one batch of points. All columns in batch must have the
// same length; batch point i is the i-th point to append.
func (r *Ring) Write(batch map[string][]float64) error {
	n := -1
	for _, vals := range batch {
		if n == -1 {
			n = len(vals)
		} else if len(vals) != n {
			return xerr.Wrap(xerr.BadShape, "ring write: columns have mismatched length")
		}
	}
	if n <= 0 {
		return nil
	}

	r.mu.Lock()
	for col, vals := range batch {
		arr, ok := r.data[col]
		if !ok {
			arr = make([]float64, r.capacity)
			r.data[col] = arr
		}
		pos := r.head
		for _, v := range vals {
			arr[pos] = v
			pos = (pos + 1) % r.capacity
		}
	}
	for i := 0; i < n; i++ {
		r.head = (r.head + 1) % r.capacity
		if r.length < r.capacity {
			r.length++
		}
	}
	r.lastBatch = batch
	for t := range r.readers {
		select {
		case t.ch <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()

	return nil
}

// Read returns the most recent Write call's batch as JSON, coalescing
// intermediate writes exactly like LatestSlot.Read.
func (r *Ring) Read(t *Token, blocking bool) ([]byte, bool) {
	if blocking {
		<-t.ch
	} else {
		select {
		case <-t.ch:
		default:
			return nil, false
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.Marshal(r.lastBatch)
	if err != nil {
		return nil, false
	}
	return b, true
}

// ReadAll returns the entire ring's contents in chronological order
// (oldest point first), rotating the circular storage so index 0 is the
// oldest retained point (spec §4.G).
func (r *Ring) ReadAll(t *Token, blocking bool) ([]byte, bool) {
	if blocking {
		<-t.ch
	} else {
		select {
		case <-t.ch:
		default:
			return nil, false
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]float64, len(r.data))
	start := (r.head - r.length + r.capacity) % r.capacity
	for col, arr := range r.data {
		ordered := make([]float64, r.length)
		for i := 0; i < r.length; i++ {
			ordered[i] = arr[(start+i)%r.capacity]
		}
		out[col] = ordered
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return b, true
}

// SetSize resizes the ring's per-column capacity, preserving the newest
// min(n, length) points in order. Growing pads the front with zeros (spec
// §4.G, tested by spec §8 invariant 7).
func (r *Ring) SetSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n == r.capacity {
		return
	}

	keep := r.length
	if keep > n {
		keep = n
	}
	start := (r.head - keep + r.capacity) % r.capacity
	pad := n - keep

	newData := make(map[string][]float64, len(r.data))
	for col, arr := range r.data {
		fresh := make([]float64, n) // zero-initialized: growth pads the front with zeros
		for i := 0; i < keep; i++ {
			fresh[pad+i] = arr[(start+i)%r.capacity]
		}
		newData[col] = fresh
	}

	r.capacity = n
	r.data = newData
	r.length = n  // the resized buffer is always fully populated (real points or zero padding)
	r.head = 0    // next write overwrites index 0, the oldest (possibly zero-padded) point
}
