// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Named hooks evaluated on demand, used to dump live stream state.

package control

import "sync"

// DebugHooks holds registered hook functions.
type DebugHooks struct {
	mu    sync.RWMutex
	hooks map[string]func() any
}

// NewDebugHooks creates a hook registry.
func NewDebugHooks() *DebugHooks {
	return &DebugHooks{
		hooks: make(map[string]func() any),
	}
}

// RegisterHook inserts or replaces a named hook.
func (dp *DebugHooks) RegisterHook(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.hooks[name] = fn
}

// UnregisterHook removes a hook.
func (dp *DebugHooks) UnregisterHook(name string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	delete(dp.hooks, name)
}

// DumpState evaluates every hook. Hooks run outside the lock so they may
// register or remove others.
func (dp *DebugHooks) DumpState() map[string]any {
	dp.mu.RLock()
	fns := make(map[string]func() any, len(dp.hooks))
	for k, fn := range dp.hooks {
		fns[k] = fn
	}
	dp.mu.RUnlock()
	out := make(map[string]any, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}
