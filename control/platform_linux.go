//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux host facts that bound shared memory sizing.

package control

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RegisterPlatformHooks publishes host facts relevant to shared pools.
func RegisterPlatformHooks(dp *DebugHooks) {
	dp.RegisterHook("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterHook("platform.pagesize", func() any {
		return unix.Getpagesize()
	})
	dp.RegisterHook("platform.nofile", func() any {
		var lim unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return err.Error()
		}
		return lim.Cur
	})
}
