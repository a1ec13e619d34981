// Package ports picks RPC daemon ports for managed containers.
package ports

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/sarnowski/msfailab/internal/fault"
)

// Probe reports whether a port is bindable on this host.
type Probe func(port int) bool

// ListenProbe checks availability by binding a TCP listener.
// This approach is thread-safe and avoids port conflicts.
func ListenProbe(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// Random attempts before falling back to a sequential sweep.
const randomAttempts = 100

// Allocate picks a port in [lo, hi] that is neither reserved in used nor
// rejected by the probe. It tries random candidates first so concurrent
// allocations rarely collide, then sweeps the whole range in order. Returns
// no_ports_available when the range is exhausted.
func Allocate(used map[int]bool, lo, hi int, probe Probe) (int, error) {
	if lo <= 0 || hi < lo {
		return 0, fault.Newf(fault.NoPortsAvailable, "invalid port range %d-%d", lo, hi)
	}

	span := hi - lo + 1
	for i := 0; i < randomAttempts; i++ {
		port := lo + rand.Intn(span)
		if used[port] {
			continue
		}
		if probe != nil && !probe(port) {
			continue
		}
		return port, nil
	}

	for port := lo; port <= hi; port++ {
		if used[port] {
			continue
		}
		if probe != nil && !probe(port) {
			continue
		}
		return port, nil
	}

	return 0, fault.Newf(fault.NoPortsAvailable, "port range %d-%d exhausted", lo, hi)
}
