package lab

import (
	"sync"

	"github.com/sarnowski/msfailab/internal/lab/ports"
)

// portAllocator hands out RPC ports from the configured range. One instance
// serves every container actor in the process, so allocations are unique
// across the fleet.
type portAllocator struct {
	mu    sync.Mutex
	used  map[int]bool
	lo    int
	hi    int
	probe ports.Probe
}

func newPortAllocator(lo, hi int, probe ports.Probe) *portAllocator {
	return &portAllocator{
		used:  make(map[int]bool),
		lo:    lo,
		hi:    hi,
		probe: probe,
	}
}

// AllocatePort picks a free port in the range and reserves it.
func (p *portAllocator) AllocatePort() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	port, err := ports.Allocate(p.used, p.lo, p.hi, p.probe)
	if err != nil {
		return 0, err
	}
	p.used[port] = true
	return port, nil
}

// Reserve marks a port as used without probing. The reconciler claims the
// labeled port of every adopted container this way.
func (p *portAllocator) Reserve(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used[port] = true
}

// ReleasePort returns a port to the pool.
func (p *portAllocator) ReleasePort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}
