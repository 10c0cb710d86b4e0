// Package partition maps partition keys onto a fixed number of stream partitions.
package partition

import (
	"hash/fnv"
	"sync/atomic"
)

// Router assigns events to partitions. Events sharing a key always land on the
// same partition; keyless events are spread round-robin.
type Router struct {
	n       uint32
	counter atomic.Uint32
}

// NewRouter returns a Router over n partitions. n below 1 is treated as 1.
func NewRouter(n int) *Router {
	if n < 1 {
		n = 1
	}
	return &Router{n: uint32(n)}
}

// Count returns the number of partitions.
func (r *Router) Count() int {
	return int(r.n)
}

// For returns the partition index for key.
func (r *Router) For(key string) int {
	if r.n == 1 {
		return 0
	}
	if key == "" {
		return int((r.counter.Add(1) - 1) % r.n)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % r.n)
}
