package store

import (
	"sync"
	"time"
)

// Bookmark tracks one (reader, stream) read cursor plus the write-id
// discipline state for that stream. Access must go through lock/release;
// every field below is otherwise unsynchronized (spec §4.H, §5 "per-
// bookmark exclusive lock, non-blocking acquire, skip-on-contention").
//
// Grounded on original_source/lib/database.py's Bookmark class: its
// multiprocessing.Lock becomes a sync.Mutex, and lock(block=False)
// becomes TryLock.
type Bookmark struct {
	mu sync.Mutex

	firstID   string
	lastID    string
	endID     string
	firstTime time.Time
	lastTime  time.Time

	sampleRate int // cached from info:<stream>, 0 = not yet looked up

	// write-id discipline (nextID in store.go)
	lastWriteMS *int64
	writeSeq    int64

	totalTimeCached bool
	totalTimeSecs   float64
}

// TryLock acquires the bookmark's lock without blocking, matching
// lock(block=False) in the original: a reader that finds it already held
// gets told immediately rather than queueing (spec §4.H, §5).
func (b *Bookmark) TryLock() bool { return b.mu.TryLock() }

// Unlock releases the bookmark's lock.
func (b *Bookmark) Unlock() { b.mu.Unlock() }

// Reset clears every cursor field, used when a live store's Stop() call
// clears all bookmarks (spec §4.H "Live control").
func (b *Bookmark) Reset() {
	b.firstID, b.lastID, b.endID = "", "", ""
	b.firstTime, b.lastTime = time.Time{}, time.Time{}
	b.sampleRate = 0
	b.lastWriteMS = nil
	b.writeSeq = 0
	b.totalTimeCached = false
	b.totalTimeSecs = 0
}

// Bookmarks is a lazily-populated index of Bookmark by stream name
// (database.py's Bookmarks wrapper around a dict).
type Bookmarks struct {
	mu   sync.Mutex
	byID map[string]*Bookmark
}

// NewBookmarks returns an empty index.
func NewBookmarks() *Bookmarks {
	return &Bookmarks{byID: map[string]*Bookmark{}}
}

// Get returns the Bookmark for stream, creating it on first use.
func (bs *Bookmarks) Get(stream string) *Bookmark {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bm, ok := bs.byID[stream]
	if !ok {
		bm = &Bookmark{}
		bs.byID[stream] = bm
	}
	return bm
}

// Clear drops every bookmark (spec §4.H "stop() ... clears all bookmarks").
func (bs *Bookmarks) Clear() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.byID = map[string]*Bookmark{}
}
