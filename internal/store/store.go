// Package store implements the Time-Series Store Wrapper (spec §4.H): a
// thin layer over a Redis Streams backend that gives every data column a
// strictly ordered, collision-free id and a per-(reader, stream) read
// cursor. Two variants share the Store interface: a live store bound to
// the Host's own backend, and a read-only playback store bound to a
// separately spawned backend instance loaded from a save file.
//
// Grounded on original_source/lib/database.py's Database/LiveDatabase/
// PlaybackDatabase hierarchy; redis.pipeline()/XADD/XRANGE become
// go-redis/v9 calls, and the Python Lock-per-Bookmark becomes a
// sync.Mutex.TryLock.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/xerr"
)

const (
	connectTimeout = 5 * time.Second
	opTimeout      = 2 * time.Second
)

// Store is the read/write surface shared by the live and playback
// variants (spec §4.H).
type Store interface {
	// WriteData appends one point or one batch of points to stream.
	WriteData(stream string, row map[string]interface{}) error

	// WriteSnapshot writes a single comma-joined snapshot point to stream.
	WriteSnapshot(stream string, row map[string]interface{}) error

	// ReadData advances this store's bookmark for (stream) and returns
	// the newly available points, or (nil, nil) if the bookmark is
	// already locked by a concurrent reader (non-blocking, spec §4.H).
	ReadData(stream string, opts ReadOptions) (map[string]interface{}, error)

	// ReadSnapshot returns the latest snapshot point for stream.
	ReadSnapshot(stream string, opts SnapshotOptions) (map[string]interface{}, error)

	// Start begins streaming (live) or playback (playback). Idempotent.
	Start() error

	// Stop pauses streaming/playback and, for a live store, clears every
	// bookmark (spec §4.H "Live control").
	Stop() error

	// IsStreaming reports the STREAMING/playback-active flag.
	IsStreaming() bool

	// SetInfo writes an info:<key> hash (sample rate, units, etc).
	SetInfo(key string, data map[string]string) error

	// GetInfo reads one field (or, if name is "", the whole hash) from
	// info:<id>.
	GetInfo(id, name string) (map[string]string, error)

	// Group reads the group:<name> hash: stream-name -> stream-id.
	Group(name string) (map[string]string, error)

	// SetGroup maps streamName -> streamID under group:<groupName>,
	// called on SIGN_ON so a device's streams can later be enumerated.
	SetGroup(groupName, streamName, streamID string) error

	// Close releases the backend connection.
	Close() error
}

// ReadOptions controls one ReadData call (spec §4.H read_data).
type ReadOptions struct {
	Count      int           // if > 0, return the most recent Count points regardless of bookmark
	MaxWindow  time.Duration // drop data older than this relative to now (0 = unbounded)
	Numerical  bool          // convert values to float64
	Decode     bool          // use the decoding (string) connection instead of the raw-bytes one
	Downsample bool          // playback only: buckets of 1000*speed/sample_rate ms
}

// SnapshotOptions controls one ReadSnapshot call.
type SnapshotOptions struct {
	Decode bool
}

// base holds everything shared between liveStore and playbackStore: the
// two redis clients (decoded vs raw-bytes, matching database.py's
// self.redis/self.bytes_redis split), the per-stream Bookmarks, and the
// write-id discipline.
type base struct {
	ctx *runtime.Context

	client      *redis.Client // decode_responses=true equivalent
	bytesClient *redis.Client // raw-bytes equivalent

	bookmarks *Bookmarks

	startWall time.Time // store open time; every Bookmark's firstTime origin
}

// newBase dials two identical connection pools. go-redis has no
// decode_responses knob (every call site already chooses []byte vs
// string per command); the client/bytesClient split exists only so call
// sites can mirror database.py's self.redis/self.bytes_redis naming and
// intent, not because the wire behavior differs.
func newBase(ctx *runtime.Context, addr, password string) *base {
	opts := &redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  connectTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	}
	return &base{
		ctx:         ctx,
		client:      redis.NewClient(opts),
		bytesClient: redis.NewClient(opts),
		bookmarks:   NewBookmarks(),
		startWall:   time.Now(),
	}
}

func (b *base) dial(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// streamKey is the Redis key for a data stream (database.py's "stream:"+name).
func streamKey(stream string) string { return "stream:" + stream }

// infoKey is the Redis key for an info hash (database.py's "info:"+key).
func infoKey(key string) string { return "info:" + key }

// groupKey is the Redis key for a group hash (database.py's "group:"+name).
func groupKey(name string) string { return "group:" + name }

// nextID applies the id discipline from spec §4.H: construct (integer_ms,
// seq) from a row's time column, incrementing seq only when integer_ms
// repeats the previous write's integer_ms for this stream.
func nextID(bm *Bookmark, unixMillis int64) string {
	ms := unixMillis
	if bm.lastWriteMS != nil && ms == *bm.lastWriteMS {
		bm.writeSeq++
	} else {
		bm.writeSeq = 0
	}
	bm.lastWriteMS = &ms
	if bm.writeSeq == 0 {
		return strconv.FormatInt(ms, 10)
	}
	return strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(bm.writeSeq, 10)
}

// rowSize validates that every column in row is either a scalar or a
// slice, and that all slice-valued columns share one length (spec §4.H
// write_data). size == -1 means every column was a scalar (one point).
func rowSize(row map[string]interface{}) (size int, err error) {
	if _, ok := row["time"]; !ok {
		return 0, xerr.Wrap(xerr.BadShape, "write: row missing 'time' column")
	}
	size = -1
	seenScalar, seenSlice := false, false
	for _, v := range row {
		n, isSlice := sliceLen(v)
		if isSlice {
			seenSlice = true
			if size == -1 {
				size = n
			} else if size != n {
				return 0, xerr.Wrapf(xerr.BadShape, "write: column length mismatch (%d vs %d)", size, n)
			}
		} else {
			seenScalar = true
		}
	}
	if seenScalar && seenSlice {
		return 0, xerr.Wrap(xerr.BadShape, "write: cannot mix scalar and batched columns")
	}
	return size, nil
}

func sliceLen(v interface{}) (int, bool) {
	switch vv := v.(type) {
	case []interface{}:
		return len(vv), true
	case []float64:
		return len(vv), true
	case []string:
		return len(vv), true
	default:
		return 0, false
	}
}

func elemAt(v interface{}, i int) interface{} {
	switch vv := v.(type) {
	case []interface{}:
		return vv[i]
	case []float64:
		return vv[i]
	case []string:
		return vv[i]
	default:
		return v
	}
}

// timeMillis extracts the 'time' column as integer milliseconds. It does
// not scale the value: callers are expected to hand it an already-ms
// timestamp, same as database.py's time_to_redis, which never multiplies
// either — the x1000 scaling implied by spec.md's Scenario S1 happens
// earlier, at the producer (internal/streamer and cmd/devicesim both
// stamp rows with time.Now().UnixMilli() before WriteData ever sees
// them), not in the Store Wrapper itself (see DESIGN.md).
func timeMillis(v interface{}) (int64, error) {
	switch vv := v.(type) {
	case int64:
		return vv, nil
	case int:
		return int64(vv), nil
	case float64:
		return int64(vv), nil
	default:
		return 0, xerr.Wrapf(xerr.BadShape, "write: unrecognized time value %v (%T)", v, v)
	}
}

// sortedColumns returns row's keys sorted, so the string-encoded XADD
// fields and downstream output stay in a stable order across calls
// (purely cosmetic; Redis hash field order is insertion order anyway).
func sortedColumns(row map[string]interface{}) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// formatScalar renders one cell value as the string stored in Redis.
func formatScalar(v interface{}) string {
	switch vv := v.(type) {
	case string:
		return vv
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(vv, 10)
	case int:
		return strconv.Itoa(vv)
	default:
		return fmt.Sprint(vv)
	}
}

// redisToMillis parses the integer-millisecond prefix of a Redis stream
// id ("123-4" or "123"), mirroring database.py's redis_to_time.
func redisToMillis(id string) int64 {
	part := id
	if i := strings.IndexByte(id, '-'); i >= 0 {
		part = id[:i]
	}
	n, _ := strconv.ParseInt(part, 10, 64)
	return n
}
