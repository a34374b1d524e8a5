package control

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/aeviox/osprey/internal/config"
	"github.com/aeviox/osprey/internal/runtime"
)

func TestParsePortRangeValid(t *testing.T) {
	tests := []struct {
		name string
		addr string
		host string
		min  uint64
		max  uint64
	}{
		{name: "SinglePort", addr: "127.0.0.1:9000", host: "127.0.0.1", min: 9000, max: 9000},
		{name: "Range", addr: "127.0.0.1:9000-9099", host: "127.0.0.1", min: 9000, max: 9099},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParsePortRange(tt.addr)
			if err != nil {
				t.Fatalf("ParsePortRange(%q) unexpected error: %v", tt.addr, err)
			}
			if r.Host != tt.host || r.MinPort != tt.min || r.MaxPort != tt.max {
				t.Fatalf("got %+v, want host=%s min=%d max=%d", r, tt.host, tt.min, tt.max)
			}
		})
	}
}

func TestParsePortRangeInvalid(t *testing.T) {
	tests := []string{
		"127.0.0.1",
		"127.0.0.1:0",
		"127.0.0.1:70000",
		"127.0.0.1:3000-2000",
	}
	for _, addr := range tests {
		if _, err := ParsePortRange(addr); err == nil {
			t.Fatalf("ParsePortRange(%q) expected error", addr)
		}
	}
}

func TestPortPoolAcquireReleaseExhaustion(t *testing.T) {
	r := &PortRange{Host: "127.0.0.1", MinPort: 9000, MaxPort: 9001}
	p := NewPortPool(r)

	a, ok := p.Acquire()
	if !ok || a != 9000 {
		t.Fatalf("first Acquire = (%d, %v), want (9000, true)", a, ok)
	}
	b, ok := p.Acquire()
	if !ok || b != 9001 {
		t.Fatalf("second Acquire = (%d, %v), want (9001, true)", b, ok)
	}
	if _, ok := p.Acquire(); ok {
		t.Fatal("expected pool exhaustion on third Acquire")
	}

	p.Release(a)
	c, ok := p.Acquire()
	if !ok || c != a {
		t.Fatalf("expected released port %d to be reused, got (%d, %v)", a, c, ok)
	}
}

// newTestController builds a Controller without dialing any real backend:
// redis.NewClient never connects at construction time, and the spawn seam
// below replaces the process-spawning path entirely.
func newTestController(t *testing.T) *Controller {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SaveDir = dir
	cfg.LiveDir = filepath.Join(dir, "live")
	cfg.PlaybackPorts = "127.0.0.1:9100-9101"

	ctx, err := runtime.New(cfg)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("control.New: %v", err)
	}
	c.SetSpawner(func(file string, port uint64) (*exec.Cmd, error) {
		return exec.Command("true"), nil
	})
	return c
}

func TestNewPlaybackSharesBackendForSameFile(t *testing.T) {
	c := newTestController(t)

	if _, err := c.NewPlayback("session-a", "rec.rdb"); err != nil {
		t.Fatalf("NewPlayback session-a: %v", err)
	}
	if _, err := c.NewPlayback("session-b", "rec.rdb"); err != nil {
		t.Fatalf("NewPlayback session-b: %v", err)
	}

	be, ok := c.backends["rec.rdb"]
	if !ok {
		t.Fatal("expected a backend entry for rec.rdb")
	}
	if be.count != 2 {
		t.Fatalf("refcount = %d, want 2", be.count)
	}
	if len(c.backends) != 1 {
		t.Fatalf("expected exactly one backend, got %d", len(c.backends))
	}
}

func TestNewPlaybackSpawnsSeparateBackendsForDifferentFiles(t *testing.T) {
	c := newTestController(t)

	if _, err := c.NewPlayback("session-a", "rec-a.rdb"); err != nil {
		t.Fatalf("NewPlayback rec-a: %v", err)
	}
	if _, err := c.NewPlayback("session-b", "rec-b.rdb"); err != nil {
		t.Fatalf("NewPlayback rec-b: %v", err)
	}
	if len(c.backends) != 2 {
		t.Fatalf("expected two distinct backends, got %d", len(c.backends))
	}
}

func TestNewPlaybackRejectsInvalidFileName(t *testing.T) {
	c := newTestController(t)
	if _, err := c.NewPlayback("session-a", "../escape"); err == nil {
		t.Fatal("expected error for invalid save file name")
	}
}

func TestRemoveDecrementsRefcountAndTearsDownAtZero(t *testing.T) {
	c := newTestController(t)

	if _, err := c.NewPlayback("session-a", "rec.rdb"); err != nil {
		t.Fatalf("NewPlayback session-a: %v", err)
	}
	if _, err := c.NewPlayback("session-b", "rec.rdb"); err != nil {
		t.Fatalf("NewPlayback session-b: %v", err)
	}

	c.Remove("session-a")
	be, ok := c.backends["rec.rdb"]
	if !ok || be.count != 1 {
		t.Fatalf("expected backend to survive with refcount 1, got ok=%v count=%v", ok, be)
	}

	c.Remove("session-b")
	if _, ok := c.backends["rec.rdb"]; ok {
		t.Fatal("expected backend to be torn down once refcount hit zero")
	}
	if _, inUse := c.pool.inUse[9100]; inUse {
		t.Fatal("expected port 9100 to be released back to the pool")
	}
}

func TestNewLiveReplacesExistingBinding(t *testing.T) {
	c := newTestController(t)

	if _, err := c.NewPlayback("session-a", "rec.rdb"); err != nil {
		t.Fatalf("NewPlayback session-a: %v", err)
	}
	live := c.NewLive("session-a")
	if live == nil {
		t.Fatal("expected NewLive to return a Store")
	}
	if _, ok := c.backends["rec.rdb"]; ok {
		t.Fatal("expected the playback backend to be released once session-a moved to live")
	}
}

// TestNewLiveGivesEachSessionItsOwnStore guards against two live sessions
// sharing one Store instance (and so one Bookmark per stream) the way a
// single cached liveStore field would regress into.
func TestNewLiveGivesEachSessionItsOwnStore(t *testing.T) {
	c := newTestController(t)

	a := c.NewLive("session-a")
	b := c.NewLive("session-b")
	if a == b {
		t.Fatal("expected each session to get its own Store instance")
	}
}

func TestRenameSaveAndDeleteSave(t *testing.T) {
	c := newTestController(t)
	src := filepath.Join(c.cfg.SaveDir, "rec.rdb")
	if err := os.WriteFile(src, []byte("dump"), 0644); err != nil {
		t.Fatalf("seed save file: %v", err)
	}

	if err := c.RenameSave("rec.rdb", "renamed.rdb"); err != nil {
		t.Fatalf("RenameSave: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.cfg.SaveDir, "renamed.rdb")); err != nil {
		t.Fatalf("expected renamed file to exist: %v", err)
	}

	if err := c.DeleteSave("renamed.rdb"); err != nil {
		t.Fatalf("DeleteSave: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.cfg.SaveDir, "renamed.rdb")); err == nil {
		t.Fatal("expected deleted file to be gone")
	}
}

func TestRenameSaveRejectsInvalidNames(t *testing.T) {
	c := newTestController(t)
	if err := c.RenameSave("../escape.rdb", "x.rdb"); err == nil {
		t.Fatal("expected error for invalid source name")
	}
}
