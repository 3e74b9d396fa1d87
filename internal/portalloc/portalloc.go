// Package portalloc implements the Port Allocator: a process-local pool of
// host ports, each bound explicitly to one runtime container's internal port.
package portalloc

import (
	"fmt"
	"sync"
)

// ExhaustedError is returned when the configured range has no free ports.
type ExhaustedError struct {
	Min, Max int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("port allocator exhausted: no free port in [%d, %d]", e.Min, e.Max)
}

// Allocator hands out ports from an inclusive [min, max] range. It is
// process-local and guarded by a mutex; a crash abandons allocations, which
// is acceptable because the daemon is the sole scheduler on its host and the
// set is rebuilt empty on restart after all containers are reaped.
type Allocator struct {
	mu        sync.Mutex
	min, max  int
	allocated map[int]struct{}
}

// New creates an Allocator over the inclusive range [min, max].
func New(min, max int) *Allocator {
	return &Allocator{
		min:       min,
		max:       max,
		allocated: make(map[int]struct{}),
	}
}

// Allocate returns the lowest free port in range and marks it allocated.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.min; p <= a.max; p++ {
		if _, used := a.allocated[p]; !used {
			a.allocated[p] = struct{}{}
			return p, nil
		}
	}
	return 0, &ExhaustedError{Min: a.min, Max: a.max}
}

// Release frees a port. Idempotent: releasing an unallocated or
// out-of-range port is a no-op.
func (a *Allocator) Release(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, p)
}

// UsedCount returns the number of currently allocated ports.
func (a *Allocator) UsedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// IsAllocated reports whether a specific port is currently held. Mainly
// useful for tests asserting collision-freedom.
func (a *Allocator) IsAllocated(p int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[p]
	return ok
}
