package store

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/aeviox/osprey/internal/xerr"
)

// writeData implements spec §4.H write_data for any base-backed store:
// validate shape, build one Redis id per point via the id discipline in
// nextID, and pipeline every XADD as one burst (database.py's
// self.redis.pipeline() / pipe.execute()).
func (b *base) writeData(stream string, row map[string]interface{}) error {
	size, err := rowSize(row)
	if err != nil {
		return err
	}
	bm := b.bookmarks.Get(stream)

	cols := sortedColumns(row)
	key := streamKey(stream)

	if size == -1 { // single scalar point
		ms, err := timeMillis(row["time"])
		if err != nil {
			return err
		}
		fields := make(map[string]interface{}, len(cols))
		for _, c := range cols {
			fields[c] = formatScalar(row[c])
		}
		id := nextID(bm, ms)
		ctx, cancel := b.dial(context.Background())
		defer cancel()
		if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: key, ID: id, Values: fields}).Err(); err != nil {
			return wrapRedisErr(err)
		}
		return nil
	}

	// batched write: one XADD per point, pipelined as a single burst.
	ctx, cancel := b.dial(context.Background())
	defer cancel()
	pipe := b.client.Pipeline()
	for i := 0; i < size; i++ {
		timeVal := elemAt(row["time"], i)
		ms, err := timeMillis(timeVal)
		if err != nil {
			return err
		}
		fields := make(map[string]interface{}, len(cols))
		for _, c := range cols {
			fields[c] = formatScalar(elemAt(row[c], i))
		}
		id := nextID(bm, ms)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, ID: id, Values: fields})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Best-effort atomicity: the backend is a single process, but a
		// partial pipeline failure is still reported as failure of the
		// whole batch (spec §4.H).
		return wrapRedisErr(err)
	}
	return nil
}

// writeSnapshot implements spec §4.H write_snapshot: one point whose
// non-time columns are comma-joined into a single cell each.
func (b *base) writeSnapshot(stream string, row map[string]interface{}) error {
	timeVal, ok := row["time"]
	if !ok {
		return xerr.Wrap(xerr.BadShape, "write_snapshot: row missing 'time' column")
	}
	ms, err := timeMillis(timeVal)
	if err != nil {
		return err
	}

	fields := make(map[string]interface{}, len(row))
	for _, c := range sortedColumns(row) {
		if c == "time" {
			fields["time"] = formatScalar(timeVal)
			continue
		}
		n, isSlice := sliceLen(row[c])
		if !isSlice {
			return xerr.Wrapf(xerr.BadShape, "write_snapshot: column %q must be a sequence", c)
		}
		parts := make([]string, n)
		for i := 0; i < n; i++ {
			parts[i] = formatScalar(elemAt(row[c], i))
		}
		fields[c] = joinComma(parts)
	}

	bm := b.bookmarks.Get(stream)
	id := nextID(bm, ms)

	ctx, cancel := b.dial(context.Background())
	defer cancel()
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(stream), ID: id, Values: fields}).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func joinComma(parts []string) string { return strings.Join(parts, ",") }
