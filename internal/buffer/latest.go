// Package buffer implements the two shared in-memory buffers from spec
// §4.G: a single-slot latest-value broadcaster (video/audio frame
// pipelines) and a fixed-capacity ring buffer (graph data). Both use the
// same multi-reader, one-shot-token subscription shape, grounded on
// other_examples' StreamCoordinator broadcast-channel-swap pattern
// (notifySubscribers/subscribe) rather than the teacher, which has no
// analog for a coalescing broadcaster.
package buffer

import "sync"

// Token is a single-shot subscription handle. A reader obtains one with
// Subscribe, waits on it via Read/ReadAll, and must call Unsubscribe when
// done so the buffer can stop tracking it (Design Notes §9: "readers that
// disappear must be removable to avoid leaks").
type Token struct {
	ch chan struct{}
}

// LatestSlot holds one bytes payload for any number of readers. A write
// atomically replaces the stored value and fires every live token.
// Coalescing is the defining property: a reader that misses several writes
// observes only the most recent one (spec §8 invariant 8).
type LatestSlot struct {
	mu      sync.Mutex
	value   []byte
	readers map[*Token]struct{}
}

// NewLatestSlot returns an empty broadcaster.
func NewLatestSlot() *LatestSlot {
	return &LatestSlot{readers: map[*Token]struct{}{}}
}

// Subscribe registers a new reader and returns its token.
func (b *LatestSlot) Subscribe() *Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &Token{ch: make(chan struct{}, 1)}
	b.readers[t] = struct{}{}
	return t
}

// Unsubscribe removes a reader so the buffer stops tracking it.
func (b *LatestSlot) Unsubscribe(t *Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.readers, t)
}

// Write replaces the stored value and wakes every subscribed token.
func (b *LatestSlot) Write(data []byte) {
	b.mu.Lock()
	b.value = data
	for t := range b.readers {
		select {
		case t.ch <- struct{}{}:
		default: // already fired and not yet consumed; coalesces naturally
		}
	}
	b.mu.Unlock()
}

// Read returns the current value for t. If blocking is true it waits until
// the token has fired at least once since the last Read; otherwise it
// returns (nil, false) immediately when no new data has arrived.
func (b *LatestSlot) Read(t *Token, blocking bool) ([]byte, bool) {
	if blocking {
		<-t.ch
	} else {
		select {
		case <-t.ch:
		default:
			return nil, false
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, true
}
