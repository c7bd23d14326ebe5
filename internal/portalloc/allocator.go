// Package portalloc finds free TCP ports on loopback for slice resources.
package portalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/bakerylabs/bakeryd/internal/apperr"
)

// Allocator finds free ports inside a fixed range, protecting the
// candidate-selection loop with a mutex so concurrent callers never pick
// the same port. Reservations passed in by the caller plus a live
// bind-and-release probe together guard against stale reservations and
// races with other local processes claiming the same port outside this
// daemon.
type Allocator struct {
	mu         sync.Mutex
	rangeStart int
	rangeEnd   int
	probe      func(port int) bool
}

// New returns an Allocator over [rangeStart, rangeEnd] inclusive.
func New(rangeStart, rangeEnd int) *Allocator {
	return &Allocator{
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		probe:      probeLoopback,
	}
}

// AllocateMany returns count distinct ports in the configured range, none
// present in reserved, each bindable at call time, in ascending order.
// Concurrent calls serialize on the allocator's mutex so two racing callers
// can never be handed the same port.
func (a *Allocator) AllocateMany(count int, reserved []int) ([]int, error) {
	if count <= 0 {
		return nil, apperr.InvalidArgument("port count must be a positive integer")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	excluded := make(map[int]struct{}, len(reserved))
	for _, p := range reserved {
		excluded[p] = struct{}{}
	}

	result := make([]int, 0, count)
	for candidate := a.rangeStart; candidate <= a.rangeEnd && len(result) < count; candidate++ {
		if _, taken := excluded[candidate]; taken {
			continue
		}
		if !a.probe(candidate) {
			continue
		}
		excluded[candidate] = struct{}{}
		result = append(result, candidate)
	}

	if len(result) < count {
		return nil, apperr.ExhaustedRange(fmt.Sprintf("Unable to allocate %d free ports in configured range", count))
	}
	return result, nil
}

// probeLoopback performs a transient bind-and-release on the loopback
// interface, releasing the socket before returning.
func probeLoopback(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
