// Playback port pool: adapted from std/multiport.go's ParseMultiPort,
// same regex-based "host:minport-maxport" range parse, renamed to the
// fixed pool of ports a Controller hands out to playback backends (spec
// §4.I).
package control

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

var portRangeMatcher = regexp.MustCompile(`(.*):([0-9]{1,5})-?([0-9]{1,5})?`)

// PortRange is a parsed "host:minport-maxport" (or "host:port") spec.
type PortRange struct {
	Host    string
	MinPort uint64
	MaxPort uint64
}

// ParsePortRange parses addr the same way std/multiport.go's
// ParseMultiPort does, validating min <= max and both within [1, 65535].
func ParsePortRange(addr string) (*PortRange, error) {
	matches := portRangeMatcher.FindStringSubmatch(addr)
	if len(matches) < 4 {
		return nil, errors.Errorf("malformed address: %v", addr)
	}

	minPort, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, err
	}
	maxPort := minPort
	if matches[3] != "" {
		maxPort, err = strconv.Atoi(matches[3])
		if err != nil {
			return nil, err
		}
	}

	if minPort > maxPort || minPort > 65535 || maxPort > 65535 || minPort == 0 || maxPort == 0 {
		return nil, errors.Errorf("invalid port range specified: minport:%v -> maxport %v", minPort, maxPort)
	}

	return &PortRange{Host: matches[1], MinPort: uint64(minPort), MaxPort: uint64(maxPort)}, nil
}

// PortPool hands out ports from a fixed range to playback backends (spec
// §4.I "allocates a free port from a fixed pool"). Ports are returned to
// the pool via Release once a backend using them is shut down.
type PortPool struct {
	host string

	mu    sync.Mutex
	ports []uint64 // candidate ports, low to high
	inUse map[uint64]bool
}

// NewPortPool builds a pool spanning r's range.
func NewPortPool(r *PortRange) *PortPool {
	ports := make([]uint64, 0, r.MaxPort-r.MinPort+1)
	for p := r.MinPort; p <= r.MaxPort; p++ {
		ports = append(ports, p)
	}
	return &PortPool{host: r.Host, ports: ports, inUse: map[uint64]bool{}}
}

// Host is the bind address every port in this pool is paired with.
func (p *PortPool) Host() string { return p.host }

// Acquire returns the lowest free port in the pool, or ok=false if every
// port is currently in use.
func (p *PortPool) Acquire() (port uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, port := range p.ports {
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, true
		}
	}
	return 0, false
}

// Release returns port to the pool.
func (p *PortPool) Release(port uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// addrFor formats a "host:port" dial address.
func addrFor(host string, port uint64) string {
	return host + ":" + portString(port)
}

func portString(port uint64) string {
	return strconv.FormatUint(port, 10)
}
