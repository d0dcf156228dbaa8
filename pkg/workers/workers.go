// Package workers resolves the worker count used by the parallel pipelines.
package workers

import (
	"errors"
	"fmt"
	"runtime"
)

// Default leaves one CPU free.
const Default = -2

// ErrZero is returned for a worker count of zero.
var ErrZero = errors.New("worker count must not be zero")

// Resolve turns a requested worker count into a concrete one for numCPU CPUs.
//
// A positive n is capped at numCPU. A negative n counts back from the CPU
// count: -1 means all CPUs, -2 all but one, and so on, never fewer than one.
func Resolve(n, numCPU int) (int, error) {
	if numCPU < 1 {
		numCPU = 1
	}
	switch {
	case n == 0:
		return 0, ErrZero
	case n > 0:
		return min(n, numCPU), nil
	default:
		return max(numCPU+1+n, 1), nil
	}
}

// ResolveLocal resolves n against runtime.NumCPU.
func ResolveLocal(n int) (int, error) {
	w, err := Resolve(n, runtime.NumCPU())
	if err != nil {
		return 0, fmt.Errorf("workers %d: %w", n, err)
	}
	return w, nil
}
