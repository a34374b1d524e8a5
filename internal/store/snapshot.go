// Snapshot records are database.py's write_snapshot/read_snapshot shape:
// a single point per write where every non-time column is a
// comma-joined list of values, distinct from the per-point stream
// records in write.go/read.go (spec §4.H, SPEC_FULL.md §5).
package store

import (
	"context"
	"strconv"
	"strings"
)

// readSnapshot implements spec §4.H read_snapshot: fetch the single most
// recent point for stream, split each comma-joined cell back into a
// float64 slice.
func (b *base) readSnapshot(stream string, opts SnapshotOptions) (map[string]interface{}, error) {
	if stream == "" {
		return nil, nil
	}
	bm := b.bookmarks.Get(stream)
	if !bm.TryLock() {
		return nil, nil
	}
	defer bm.Unlock()

	client := b.client
	if !opts.Decode {
		client = b.bytesClient
	}

	ctx, cancel := b.dial(context.Background())
	defer cancel()
	res, err := client.XRevRangeN(ctx, streamKey(stream), "+", "-", 1).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	point := res[0]

	if bm.firstTime.IsZero() {
		bm.firstTime = b.startWall
		bm.firstID = point.ID
	}
	bm.lastID = point.ID

	out := map[string]interface{}{}
	for k, v := range point.Values {
		s, _ := v.(string)
		vals := make([]float64, 0)
		for _, part := range strings.Split(s, ",") {
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				continue
			}
			vals = append(vals, f)
		}
		out[k] = vals
	}
	return out, nil
}
