// Package control implements the Store Controller (spec §4.I): the
// per-session binding between a session id and a Store, plus the shared
// bookkeeping a Store alone can't do on its own — spawning/reusing
// playback backend processes and renaming or deleting save files.
//
// Grounded on original_source/lib/database.py's DatabaseController.
package control

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aeviox/osprey/internal/config"
	"github.com/aeviox/osprey/internal/runtime"
	"github.com/aeviox/osprey/internal/store"
	"github.com/aeviox/osprey/internal/xerr"
)

// binding is what a Controller remembers about one session's Store, so
// Remove knows whether to just detach (live) or decrement a playback
// backend's refcount (spec §4.I "remove(id)").
type binding struct {
	st   store.Store
	file string // non-empty for a playback binding
}

// playbackBackend is one spawned redis-server instance serving one save
// file, shared by every session currently viewing that file (spec §4.I
// "attaches to an existing playback backend already serving that file").
type playbackBackend struct {
	file  string
	port  uint64
	count int
	cmd   *exec.Cmd
}

// Controller is the session-id -> Store map plus the playback backend
// pool (spec §4.I).
type Controller struct {
	ctx *runtime.Context
	cfg *config.Config

	liveAddr string // the Host's single shared live backend address
	livePass string

	pool         *PortPool
	redisBinary  string // "redis-server" unless overridden for tests
	playbackPass string

	// spawn launches a playback backend; overridden in tests so the
	// process-spawning + sleep path doesn't need a real redis-server
	// binary, mirroring internal/node's AdoptWorker test seam.
	spawn func(file string, port uint64) (*exec.Cmd, error)

	mu       sync.Mutex
	sessions map[string]*binding
	backends map[string]*playbackBackend // keyed by file
}

// New builds a Controller bound to the operator configuration: the live
// backend's address/password (a fresh Store per session is dialed later,
// in NewLive), and a playback port pool parsed from cfg.PlaybackPorts.
func New(ctx *runtime.Context, cfg *config.Config) (*Controller, error) {
	r, err := ParsePortRange(cfg.PlaybackPorts)
	if err != nil {
		return nil, errors.Wrap(err, "control: parse playback port range")
	}

	livePass := store.DerivePassword(cfg.LiveStorePassword)
	playbackPass := store.DerivePassword(cfg.PlaybackStorePassword)

	c := &Controller{
		ctx:          ctx,
		cfg:          cfg,
		liveAddr:     "127.0.0.1:6379",
		livePass:     livePass,
		pool:         NewPortPool(r),
		redisBinary:  "redis-server",
		playbackPass: playbackPass,
		sessions:     map[string]*binding{},
		backends:     map[string]*playbackBackend{},
	}
	c.spawn = c.startPlaybackServer
	return c, nil
}

// SetSpawner overrides how NewPlayback launches a playback backend
// process, for tests that can't exec a real redis-server binary.
func (c *Controller) SetSpawner(fn func(file string, port uint64) (*exec.Cmd, error)) {
	c.spawn = fn
}

// NewLive binds id to a fresh Store dialed to the Host's shared live
// backend (spec §4.I new_live). Every session gets its own Store
// instance, and so its own per-stream Bookmark cursors (internal/store's
// byID map lives on the Store, not the backend) — two sessions reading
// the same stream must not fight over one cursor, matching
// database.py's new_live constructing a brand-new LiveDatabase per call.
func (c *Controller) NewLive(id string) store.Store {
	st := store.NewLive(c.ctx, c.liveAddr, c.livePass, c.cfg.LiveDir, c.cfg.SaveDir, "live.rdb")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
	c.sessions[id] = &binding{st: st}
	return st
}

// NewPlayback attaches id to the playback backend serving file,
// launching one if none is currently running for that file (spec §4.I
// new_playback).
func (c *Controller) NewPlayback(id, file string) (store.Store, error) {
	if !config.ValidFileName(file) {
		return nil, errors.Errorf("control: invalid save file name %q", file)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	be, ok := c.backends[file]
	if !ok {
		port, ok := c.pool.Acquire()
		if !ok {
			return nil, xerr.Wrap(xerr.StoreError, "no playback ports available")
		}
		cmd, err := c.spawn(file, port)
		if err != nil {
			c.pool.Release(port)
			return nil, err
		}
		be = &playbackBackend{file: file, port: port, cmd: cmd}
		c.backends[file] = be
	}
	be.count++

	c.removeLocked(id)
	addr := addrFor(c.pool.Host(), be.port)
	st := store.NewPlayback(c.ctx, addr, c.playbackPass, file)
	c.sessions[id] = &binding{st: st, file: file}
	return st, nil
}

// startPlaybackServer launches a redis-server instance loaded from file
// on port (spec §4.H start_playback_server), matching database.py's
// shell invocation but via exec.Command/args (no shell interpolation of
// operator-provided names).
func (c *Controller) startPlaybackServer(file string, port uint64) (*exec.Cmd, error) {
	cmd := exec.Command(c.redisBinary,
		"--bind", "127.0.0.1",
		"--daemonize", "no",
		"--dir", c.cfg.SaveDir,
		"--dbfilename", file,
		"--port", portString(port),
		"--requirepass", c.playbackPass,
	)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "control: start playback backend for %q", file)
	}
	// Give the backend a moment to load the dump file before any session
	// tries to dial it (matching the save/retry-poll pattern used
	// elsewhere rather than a fixed sleep would be more precise, but
	// redis-server's own startup is typically sub-100ms for small dumps).
	time.Sleep(100 * time.Millisecond)
	return cmd, nil
}

// Remove detaches id. A live binding is simply dropped; a playback
// binding decrements its backend's refcount and, once it reaches zero,
// shuts the backend down and releases its port (spec §4.I "remove(id)").
func (c *Controller) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *Controller) removeLocked(id string) {
	b, ok := c.sessions[id]
	if !ok {
		return
	}
	delete(c.sessions, id)

	if b.file == "" { // live binding: close this session's own client pool
		_ = b.st.Close()
		return
	}

	be, ok := c.backends[b.file]
	if !ok {
		return
	}
	be.count--
	if be.count > 0 {
		return
	}

	if ps, ok := b.st.(interface{ Shutdown() error }); ok {
		if err := ps.Shutdown(); err != nil {
			c.ctx.Errorf("control: shutdown playback backend %q: %v", b.file, err)
		}
	}
	_ = b.st.Close()
	if be.cmd != nil && be.cmd.Process != nil {
		_ = be.cmd.Process.Kill()
	}
	c.pool.Release(be.port)
	delete(c.backends, b.file)
}

// RenameSave renames a persisted save file, generating a timestamp name
// if newName is empty (spec §4.I rename_save).
func (c *Controller) RenameSave(oldName, newName string) error {
	if oldName == "" {
		return errors.New("control: rename_save: no file given to rename")
	}
	if newName == "" {
		newName = time.Now().Format("2006-01-02_15:04:05") + ".rdb"
	}
	if filepath.Ext(newName) != ".rdb" {
		newName += ".rdb"
	}
	if !config.ValidFileName(oldName) || !config.ValidFileName(newName) {
		return errors.New("control: rename_save: invalid file name")
	}

	oldPath := filepath.Join(c.cfg.SaveDir, oldName)
	newPath := filepath.Join(c.cfg.SaveDir, newName)

	if _, err := os.Stat(oldPath); err != nil {
		return errors.Wrap(err, "control: rename_save: source file does not exist")
	}
	if _, err := os.Stat(newPath); err == nil {
		return errors.New("control: rename_save: destination file already exists")
	}
	return errors.Wrap(os.Rename(oldPath, newPath), "control: rename_save")
}

// DeleteSave removes a persisted save file (spec §4.I delete_save).
func (c *Controller) DeleteSave(filename string) error {
	if filename == "" {
		return nil
	}
	if !config.ValidFileName(filename) {
		return errors.New("control: delete_save: invalid file name")
	}
	path := filepath.Join(c.cfg.SaveDir, filename)
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(err, "control: delete_save: file does not exist")
	}
	return errors.Wrap(os.Remove(path), "control: delete_save")
}

// Close shuts down every outstanding playback backend and every
// session's Store (Host cleanup path).
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, b := range c.sessions {
		_ = b.st.Close()
		delete(c.sessions, id)
	}
	for file, be := range c.backends {
		if be.cmd != nil && be.cmd.Process != nil {
			_ = be.cmd.Process.Kill()
		}
		c.pool.Release(be.port)
		delete(c.backends, file)
	}
	return nil
}
