package store

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aeviox/osprey/internal/runtime"
)

const (
	streamingKey = "STREAMING"
	startTimeKey = "START_TIME"
)

// liveStore is the Host's always-on backend (spec §4.H LiveDatabase):
// one shared Redis instance dumping to a single live.rdb, read/write for
// every device and every browser viewing live data.
type liveStore struct {
	*base

	liveDir string // directory the live backend dumps into
	saveDir string // directory persisted saves are copied to
	file    string // live dump filename, e.g. "live.rdb"
}

// NewLive connects to the Host's live Redis instance (spec §4.I new_live).
func NewLive(ctx *runtime.Context, addr, password, liveDir, saveDir, file string) Store {
	return &liveStore{
		base:    newBase(ctx, addr, password),
		liveDir: liveDir,
		saveDir: saveDir,
		file:    file,
	}
}

func (s *liveStore) WriteData(stream string, row map[string]interface{}) error {
	return s.writeData(stream, row)
}

func (s *liveStore) WriteSnapshot(stream string, row map[string]interface{}) error {
	return s.writeSnapshot(stream, row)
}

func (s *liveStore) ReadData(stream string, opts ReadOptions) (map[string]interface{}, error) {
	return s.readData(stream, opts, func(bm *Bookmark) ([]rawPoint, error) {
		ctx, cancel := s.dial(context.Background())
		defer cancel()
		return s.fetchLive(ctx, stream, bm, opts)
	})
}

func (s *liveStore) ReadSnapshot(stream string, opts SnapshotOptions) (map[string]interface{}, error) {
	return s.readSnapshot(stream, opts)
}

// Start sets the STREAMING key and, on first start, a START_TIME key
// read back by get_start_time in the original (spec §4.H "Live control").
func (s *liveStore) Start() error {
	ctx, cancel := s.dial(context.Background())
	defer cancel()

	existing, err := s.client.Get(ctx, startTimeKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapRedisErr(err)
	}
	if existing == "" {
		if err := s.client.Set(ctx, startTimeKey, time.Now().UnixMilli(), 0).Err(); err != nil {
			return wrapRedisErr(err)
		}
	}
	return wrapRedisErr(s.client.Set(ctx, streamingKey, 1, 0).Err())
}

// Stop unsets STREAMING and clears every bookmark (spec §4.H).
func (s *liveStore) Stop() error {
	ctx, cancel := s.dial(context.Background())
	defer cancel()
	s.bookmarks.Clear()
	return wrapRedisErr(s.client.Del(ctx, streamingKey).Err())
}

func (s *liveStore) IsStreaming() bool {
	ctx, cancel := s.dial(context.Background())
	defer cancel()
	v, err := s.client.Get(ctx, streamingKey).Result()
	if err != nil {
		return false
	}
	return v != ""
}

func (s *liveStore) SetInfo(key string, data map[string]string) error {
	return s.setInfo(key, data)
}

func (s *liveStore) GetInfo(id, name string) (map[string]string, error) {
	return s.getInfo(id, name)
}

func (s *liveStore) Group(name string) (map[string]string, error) {
	return s.group(name)
}

func (s *liveStore) SetGroup(groupName, streamName, streamID string) error {
	return s.setGroup(groupName, streamName, streamID)
}

func (s *liveStore) Close() error {
	_ = s.client.Close()
	_ = s.bytesClient.Close()
	return nil
}

// Save triggers a backend dump, waits for it to finish, copies the dump
// file into the save directory, flushes the in-memory database, and
// optionally shuts the backend down (spec §4.H "save(filename?, shutdown?)").
// Grounded directly on database.py's LiveDatabase.save: a retry loop
// polling ping() while the backend reports busy.
func (s *liveStore) Save(filename string, shutdown bool) (string, error) {
	ctx, cancel := s.dial(context.Background())
	defer cancel()
	if err := s.client.Save(ctx).Err(); err != nil && !isBusyLoading(err) {
		return "", wrapRedisErr(err)
	}

	for n := 1; n <= 5; n++ {
		pingCtx, pingCancel := s.dial(context.Background())
		err := s.client.Ping(pingCtx).Err()
		pingCancel()
		if err == nil {
			break
		}
		if !isBusyLoading(err) {
			return "", wrapRedisErr(err)
		}
		s.ctx.Warnf("store: saving to disk, retry %d", n)
		time.Sleep(2 * time.Second)
	}

	srcPath := filepath.Join(s.liveDir, s.file)
	if _, err := os.Stat(srcPath); err != nil {
		return "", wrapRedisErr(err)
	}

	if filename == "" {
		filename = timeFilename()
	}
	if filepath.Ext(filename) != ".rdb" {
		filename += ".rdb"
	}
	dstPath := filepath.Join(s.saveDir, filename)
	if _, err := os.Stat(dstPath); err == nil {
		filename = timeFilename()
		dstPath = filepath.Join(s.saveDir, filename)
	}

	if err := exec.Command("cp", srcPath, dstPath).Run(); err != nil {
		return "", wrapRedisErr(err)
	}
	if _, err := os.Stat(dstPath); err != nil {
		return "", wrapRedisErr(err)
	}

	flushCtx, flushCancel := s.dial(context.Background())
	defer flushCancel()
	if err := s.client.FlushDB(flushCtx).Err(); err != nil {
		return "", wrapRedisErr(err)
	}

	if shutdown {
		shutdownCtx, shutdownCancel := s.dial(context.Background())
		defer shutdownCancel()
		_ = s.client.Shutdown(shutdownCtx).Err() // a shutdown call always looks like an error to the client
	}
	return filename, nil
}

// timeFilename mirrors database.py's get_time_filename: a human-readable
// timestamp-based .rdb name for an unnamed or colliding save.
func timeFilename() string {
	return time.Now().Format("2006-01-02_15:04:05") + ".rdb"
}
