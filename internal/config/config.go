// Package config collects the operator-provided surface from spec §6:
// listen address, storage directories, store passwords, the playback
// port pool, debug level, the deny-list, and device retry interval.
// Grounded on server/config.go's Config struct and parseJSONConfig.
package config

import (
	"encoding/json"
	"os"
	"regexp"

	"github.com/pkg/errors"
)

// namePattern is the file-name policy from spec §6 for anything
// operator-provided (save-file names, rename targets).
var namePattern = regexp.MustCompile(`^[0-9a-zA-Z_:\-.]+$`)

// Config is the full operator-provided configuration for both the host
// and worker binaries. A spawned Worker process loads the same JSON file,
// whose path the Host passes as the Worker's first argument; the struct is
// kept flat and JSON-tagged so both binaries read it the same way.
type Config struct {
	// Network
	ListenAddr string `json:"listen"`

	// Storage
	LiveDir string `json:"live_dir"`
	SaveDir string `json:"save_dir"`

	// Store auth: the pre-shared secret(s) used to derive the live and
	// playback backend passwords (see internal/store/auth.go).
	LiveStorePassword     string `json:"live_store_password"`
	PlaybackStorePassword string `json:"playback_store_password"`

	// PlaybackPorts is a "host:minport-maxport" range, parsed by
	// internal/control into a PortPool.
	PlaybackPorts string `json:"playback_ports"`

	DebugLevel int      `json:"debug_level"`
	DenyList   []string `json:"deny_list"`

	// RetryInterval is the device-side reconnection interval, in seconds.
	// cmd/devicesim does not read Config; it takes its own --retry flag.
	RetryInterval int `json:"retry_interval"`

	// Log redirects process output to a file; empty means stderr.
	Log string `json:"log"`

	// WorkerBinary is the path to the worker executable the host spawns
	// via os/exec. Default leaves it empty; cmd/host's --worker-binary flag
	// defaults to "osprey-worker".
	WorkerBinary string `json:"worker_binary"`

	// AutoShutdown mirrors spec §4.E's Host auto-shutdown policy: when the
	// last Worker pipe is removed, the Host shuts itself down too.
	AutoShutdown bool `json:"auto_shutdown"`
}

// Default returns a Config with the same baseline defaults the teacher's
// CLI flag table ships (server/main.go's cli.*Flag Value fields).
func Default() *Config {
	return &Config{
		ListenAddr:    ":8900",
		LiveDir:       "./data/live",
		SaveDir:       "./data/saves",
		PlaybackPorts: "127.0.0.1:8901-8999",
		DebugLevel:    0,
		RetryInterval: 5,
		AutoShutdown:  true,
	}
}

// LoadJSON overlays cfg with the contents of a JSON file, matching
// server/config.go's parseJSONConfig ("config from json file, which will
// override the command from shell").
func LoadJSON(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "config: open")
	}
	defer f.Close()
	return errors.Wrap(json.NewDecoder(f).Decode(cfg), "config: decode")
}

// ValidFileName reports whether name satisfies the operator-provided
// file-name policy from spec §6.
func ValidFileName(name string) bool {
	return name != "" && namePattern.MatchString(name)
}
