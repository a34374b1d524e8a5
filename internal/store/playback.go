package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/xerr"
)

// defaultPlaybackSpeed matches database.py's PlaybackDatabase default
// (self.playback_speed = 5).
const defaultPlaybackSpeed = 5

// playbackStore is a read-only view over a separately spawned backend
// instance loaded from one save file (spec §4.H PlaybackDatabase). Its
// own clock runs independently of wall time once started: start()/stop()
// and the speed multiplier reshape how fast playback advances, not the
// backend itself.
type playbackStore struct {
	*base

	file string

	cmu       sync.Mutex
	speed     float64
	active    bool
	startWall time.Time // wall time playback was last (re)started
	stopRel   float64   // playback-relative time at which it was last paused (ms)
}

// NewPlayback connects to a playback backend already serving file on addr
// (spec §4.I new_playback: the Controller is responsible for spawning the
// backend and handing this constructor its address).
func NewPlayback(ctx *runtime.Context, addr, password, file string) Store {
	now := time.Now()
	return &playbackStore{
		base:      newBase(ctx, addr, password),
		file:      file,
		speed:     defaultPlaybackSpeed,
		startWall: now,
		stopRel:   float64(now.UnixMilli()),
	}
}

func (s *playbackStore) WriteData(string, map[string]interface{}) error {
	return xerr.Wrap(xerr.NotAllowed, "write_data: playback store is read-only")
}

func (s *playbackStore) WriteSnapshot(string, map[string]interface{}) error {
	return xerr.Wrap(xerr.NotAllowed, "write_snapshot: playback store is read-only")
}

// playbackNow implements spec §4.H's playback clock model:
// current_playback_time = relative_stop_time + (wall_now - start_wall) * speed
// while active, else just relative_stop_time.
func (s *playbackStore) playbackNow() float64 {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if !s.active {
		return s.stopRel
	}
	elapsedMS := float64(time.Since(s.startWall).Milliseconds())
	return s.stopRel + elapsedMS*s.speed
}

// Start is idempotent (spec §4.H "start() is idempotent").
func (s *playbackStore) Start() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if s.active {
		return nil
	}
	s.startWall = time.Now()
	s.active = true
	return nil
}

// Stop freezes the clock at its current playback-relative position.
func (s *playbackStore) Stop() error {
	s.cmu.Lock()
	if !s.active {
		s.cmu.Unlock()
		return nil
	}
	s.cmu.Unlock()
	frozen := s.playbackNow()
	s.cmu.Lock()
	s.stopRel = frozen
	s.active = false
	s.cmu.Unlock()
	return nil
}

func (s *playbackStore) IsStreaming() bool {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.active
}

// SetSpeed changes the playback multiplier without stopping; the next
// read observes the new rate (spec §4.H "Speed can be changed without
// stopping").
func (s *playbackStore) SetSpeed(speed float64) {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if speed <= 0 {
		return
	}
	// Re-anchor so the playback-relative clock stays continuous across
	// the speed change instead of jumping.
	now := time.Now()
	if s.active {
		elapsedMS := float64(now.Sub(s.startWall).Milliseconds())
		s.stopRel += elapsedMS * s.speed
		s.startWall = now
	}
	s.speed = speed
}

func (s *playbackStore) Speed() float64 {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.speed
}

func (s *playbackStore) ReadData(stream string, opts ReadOptions) (map[string]interface{}, error) {
	return s.readData(stream, opts, func(bm *Bookmark) ([]rawPoint, error) {
		return s.fetchPlayback(stream, bm, opts)
	})
}

func (s *playbackStore) ReadSnapshot(stream string, opts SnapshotOptions) (map[string]interface{}, error) {
	return s.readSnapshot(stream, opts)
}

// fetchPlayback is PlaybackDatabase.read_data from database.py: the read
// window is bounded not by wall time but by the playback clock, and a
// downsample pass buckets the range when speed > 1.
func (s *playbackStore) fetchPlayback(stream string, bm *Bookmark, opts ReadOptions) ([]rawPoint, error) {
	client := s.redisFor(opts.Decode)
	key := streamKey(stream)
	ctx, cancel := s.dial(context.Background())
	defer cancel()

	if bm.lastID == "" {
		res, err := client.XRangeN(ctx, key, "-", "+", 1).Result()
		if err != nil {
			return nil, wrapRedisErr(err)
		}
		return fromXMessages(res), nil
	}

	speed := s.Speed()
	maxWindowSecs := opts.MaxWindow.Seconds()
	if opts.Downsample && speed > 1 && maxWindowSecs > 0 {
		maxWindowSecs *= speed
	}

	lastReadID := bm.lastID
	if maxWindowSecs > 0 {
		elapsedSecs := time.Since(bm.lastTime).Seconds()
		if elapsedSecs > maxWindowSecs {
			advanced := redisToMillis(lastReadID) + int64((elapsedSecs-maxWindowSecs)*1000)
			lastReadID = strconv.FormatInt(advanced, 10)
		}
	}

	firstReadID := bm.firstID
	elapsedSinceFirst := s.playbackNow() - float64(bm.firstTime.UnixMilli())
	maxReadID := strconv.FormatInt(redisToMillis(firstReadID)+int64(elapsedSinceFirst), 10)

	if opts.Downsample && speed > 1 {
		return s.downsampledFetch(ctx, client, stream, bm, lastReadID, maxReadID)
	}

	res, err := client.XRange(ctx, key, "("+lastReadID, maxReadID).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return fromXMessages(res), nil
}

// downsampledFetch implements database.py's _downsample: one
// XREVRANGE-count-1 per bucket, pipelined, keeping only non-empty buckets.
func (s *playbackStore) downsampledFetch(ctx context.Context, client *redis.Client, stream string, bm *Bookmark, lastID, maxID string) ([]rawPoint, error) {
	if bm.sampleRate == 0 {
		rate, err := s.getInfo(stream, "sample_rate")
		if err == nil && rate["sample_rate"] != "" {
			if n, convErr := strconv.Atoi(rate["sample_rate"]); convErr == nil {
				bm.sampleRate = n
			}
		}
		if bm.sampleRate == 0 {
			bm.sampleRate = int(10 * s.Speed())
		}
	}
	bucketMS := 1000 * s.Speed() / float64(bm.sampleRate)

	buckets := downsampleBuckets(lastID, maxID, bucketMS, s.ctx.Warnf)
	if len(buckets) == 0 {
		return nil, nil
	}

	key := streamKey(stream)
	pipe := client.Pipeline()
	cmds := make([]*redis.XMessageSliceCmd, len(buckets))
	for i, bucket := range buckets {
		cmds[i] = pipe.XRevRangeN(ctx, key, bucket[1], "("+bucket[0], 1)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, wrapRedisErr(err)
	}

	var out []rawPoint
	for _, cmd := range cmds {
		msgs, err := cmd.Result()
		if err != nil {
			continue
		}
		out = append(out, fromXMessages(msgs)...)
	}
	return out, nil
}

// GetTotalTime returns the stream's total recorded length in seconds
// (spec §4.H get_total_time), caching first/end ids on the bookmark.
func (s *playbackStore) GetTotalTime(stream string) (float64, error) {
	bm := s.bookmarks.Get(stream)
	ctx, cancel := s.dial(context.Background())
	defer cancel()
	key := streamKey(stream)

	if bm.firstID == "" {
		res, err := s.bytesClient.XRangeN(ctx, key, "-", "+", 1).Result()
		if err != nil || len(res) == 0 {
			return 0, nil
		}
		bm.firstID = res[0].ID
	}
	if bm.endID == "" {
		res, err := s.bytesClient.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil || len(res) == 0 {
			return 0, nil
		}
		bm.endID = res[0].ID
	}

	diffMS := redisToMillis(bm.endID) - redisToMillis(bm.firstID)
	return float64(diffMS) / 1000, nil
}

func (s *playbackStore) SetInfo(key string, data map[string]string) error {
	return s.setInfo(key, data)
}

func (s *playbackStore) GetInfo(id, name string) (map[string]string, error) {
	return s.getInfo(id, name)
}

func (s *playbackStore) Group(name string) (map[string]string, error) {
	return s.group(name)
}

func (s *playbackStore) SetGroup(string, string, string) error {
	return xerr.Wrap(xerr.NotAllowed, "set_group: playback store is read-only")
}

// Shutdown tears down the backend redis process this store is bound to
// (spec §4.I: released when the Controller's refcount for this file hits
// zero). Shutdown without save, matching PlaybackDatabase.shutdown.
func (s *playbackStore) Shutdown() error {
	ctx, cancel := s.dial(context.Background())
	defer cancel()
	// A successful SHUTDOWN never returns a reply over the connection it
	// closes, so go-redis always surfaces it as an error here; the only
	// way to confirm the shutdown actually happened is a subsequent ping
	// failing, which the Controller handles via its own removal path.
	_ = s.client.ShutdownNoSave(ctx)
	return nil
}

func (s *playbackStore) Close() error {
	_ = s.client.Close()
	_ = s.bytesClient.Close()
	return nil
}
