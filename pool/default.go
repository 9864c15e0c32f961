package pool

import "sync"

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

// Default returns a process-wide unbounded Pool so packets from every stream
// reuse the same size classes instead of fragmenting allocations.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = NewPool(0)
	})
	return defaultPool
}
