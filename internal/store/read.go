package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxDownsampleBuckets caps how many single-point fetches a downsampled
// read_data call will pipeline in one round trip (spec §9 Open Question:
// the original leaves unbounded downsample pipelining unguarded; this
// repo caps it and logs a warning rather than guessing at a higher number
// the original never specified).
const maxDownsampleBuckets = 1000

// rawPoint is a single data point as returned from a raw XRANGE/XREAD
// response: id plus field map, still string-valued.
type rawPoint struct {
	id     string
	fields map[string]string
}

// readData is the shared core of liveStore.ReadData and
// playbackStore.ReadData: acquire the stream's bookmark non-blocking,
// fetch raw points via fetch, convert per opts, update the bookmark, and
// release (spec §4.H read_data).
func (b *base) readData(stream string, opts ReadOptions, fetch func(bm *Bookmark) ([]rawPoint, error)) (map[string]interface{}, error) {
	if stream == "" {
		return nil, nil
	}
	bm := b.bookmarks.Get(stream)
	if !bm.TryLock() {
		return nil, nil // already held: spec §4.H non-blocking bookmark lock
	}
	defer bm.Unlock()

	points, err := fetch(bm)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}

	if bm.firstTime.IsZero() {
		bm.firstTime = b.startWall
		bm.firstID = points[0].id
	}
	bm.lastTime = time.Now()
	bm.lastID = points[len(points)-1].id

	return convertPoints(points, opts.Numerical), nil
}

// fetchLive implements the non-downsampled XREAD/XREVRANGE fan-out from
// spec §4.H read_data for a live store.
func (b *base) fetchLive(ctx context.Context, stream string, bm *Bookmark, opts ReadOptions) ([]rawPoint, error) {
	client := b.redisFor(opts.Decode)
	key := streamKey(stream)

	if opts.Count > 0 {
		res, err := client.XRevRangeN(ctx, key, "+", "-", int64(opts.Count)).Result()
		if err != nil {
			return nil, wrapRedisErr(err)
		}
		return fromXMessages(res), nil
	}

	if bm.lastID != "" {
		startID := bm.lastID
		if opts.MaxWindow > 0 {
			elapsed := time.Since(bm.lastTime)
			if elapsed > opts.MaxWindow {
				advanced := redisToMillis(startID) + (elapsed - opts.MaxWindow).Milliseconds()
				startID = strconv.FormatInt(advanced, 10)
			}
		}
		res, err := client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, startID}}).Result()
		if err != nil {
			if err == redis.Nil {
				return nil, nil
			}
			return nil, wrapRedisErr(err)
		}
		if len(res) == 0 {
			return nil, nil
		}
		return fromXMessages(res[0].Messages), nil
	}

	// No prior read: live mode takes a short block for the next new point
	// (spec §4.H "read one new point (live mode uses a short block)").
	res, err := client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, "$"}, Block: opTimeout}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, wrapRedisErr(err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return fromXMessages(res[0].Messages), nil
}

func (b *base) redisFor(decode bool) *redis.Client {
	if decode {
		return b.client
	}
	return b.bytesClient
}

func fromXMessages(msgs []redis.XMessage) []rawPoint {
	out := make([]rawPoint, len(msgs))
	for i, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = formatScalar(v)
			}
		}
		out[i] = rawPoint{id: m.ID, fields: fields}
	}
	return out
}

// convertPoints assembles the column-major output map from a row-major
// slice of points, optionally parsing values to float64 (spec §4.H
// "Convert column values per numerical/decode flags").
func convertPoints(points []rawPoint, numerical bool) map[string]interface{} {
	out := map[string]interface{}{}
	for _, p := range points {
		for k, v := range p.fields {
			if numerical {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					continue
				}
				out[k] = appendFloat(out[k], f)
			} else {
				out[k] = appendString(out[k], v)
			}
		}
	}
	return out
}

func appendFloat(cur interface{}, v float64) []float64 {
	if cur == nil {
		return []float64{v}
	}
	return append(cur.([]float64), v)
}

func appendString(cur interface{}, v string) []string {
	if cur == nil {
		return []string{v}
	}
	return append(cur.([]string), v)
}

// downsampleBuckets computes the bucketed id ranges for a playback
// read_data call (spec §4.H: "bucket the requested id range into windows
// of 1000 * speed / sample_rate ms; for each bucket, fetch the most
// recent single point"). Returns at most maxDownsampleBuckets ranges,
// logging via warn if the true range would need more.
func downsampleBuckets(lastID, maxID string, bucketMS float64, warn func(string, ...any)) [][2]string {
	lastMS := float64(redisToMillis(lastID))
	maxMS := float64(redisToMillis(maxID))
	if bucketMS <= 0 || maxMS <= lastMS {
		return nil
	}

	n := int((maxMS-lastMS)/bucketMS) + 1
	if n > maxDownsampleBuckets {
		if warn != nil {
			warn("downsample: requested range needs %d buckets, capping at %d (spec open question)", n, maxDownsampleBuckets)
		}
		n = maxDownsampleBuckets
	}

	buckets := make([][2]string, 0, n)
	cur := lastMS
	for i := 0; i < n && cur < maxMS; i++ {
		start := strconv.FormatInt(int64(cur), 10)
		cur += bucketMS
		end := strconv.FormatInt(int64(cur), 10)
		buckets = append(buckets, [2]string{start, end})
	}
	return buckets
}
