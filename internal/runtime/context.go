// Package runtime hoists the module-global state the original
// implementation kept at module scope (debug level, a print lock, the
// deny-list) into one explicit value threaded
// through every Node at construction, per Design Notes §9.
package runtime

import (
	"log"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/aeviox/osprey/internal/config"
)

// Context is passed to every Node, Streamer, and Store on construction.
// It carries the operator configuration plus the process-wide logger and
// print lock; nothing in this package is read from a package-level global.
type Context struct {
	Config *config.Config
	Log    *log.Logger

	// printMu orders interleaved log lines from concurrent goroutines.
	// Spec §5 calls this "purely cosmetic" — it does not gate any other
	// state.
	printMu sync.Mutex
}

// New builds a Context from a parsed Config, directing logging to logPath
// when non-empty (matching server/main.go's -log redirect) or to stderr.
func New(cfg *config.Config) (*Context, error) {
	out := os.Stderr
	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		out = f
	}
	logger := log.New(out, "", log.LstdFlags|log.Lshortfile)
	return &Context{Config: cfg, Log: logger}, nil
}

// Debugf logs only when the configured debug level is >= level.
func (c *Context) Debugf(level int, format string, args ...any) {
	if c.Config.DebugLevel < level {
		return
	}
	c.printMu.Lock()
	defer c.printMu.Unlock()
	c.Log.Printf("[debug%d] "+format, append([]any{level}, args...)...)
}

// Infof logs an info-level line.
func (c *Context) Infof(format string, args ...any) {
	c.printMu.Lock()
	defer c.printMu.Unlock()
	c.Log.Printf("[info] "+format, args...)
}

// Warnf logs a warn-level line, highlighted the way the teacher highlights
// QPP parameter warnings.
func (c *Context) Warnf(format string, args ...any) {
	c.printMu.Lock()
	defer c.printMu.Unlock()
	color.Yellow("[warn] "+format, args...)
}

// Errorf logs an error-level line, highlighted in red.
func (c *Context) Errorf(format string, args ...any) {
	c.printMu.Lock()
	defer c.printMu.Unlock()
	color.Red("[error] "+format, args...)
}

// Denied reports whether host or user-agent matches an operator-configured
// deny-list substring (spec §4.B request-validation policy). The deny-list
// is never hard-coded (spec §9 Open Question); an empty list denies
// nothing.
func (c *Context) Denied(host, userAgent string) (bool, string) {
	for _, needle := range c.Config.DenyList {
		if needle == "" {
			continue
		}
		if strings.Contains(host, needle) {
			return true, "host contains " + needle
		}
		if strings.Contains(userAgent, needle) {
			return true, "user-agent contains " + needle
		}
	}
	return false, ""
}
