// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Pins the goroutine running a reactor loop to one OS thread and, where the
// platform allows it, to one logical CPU.

package affinity

import "runtime"

// Pin locks the calling goroutine to its OS thread and binds that thread to
// cpuID. A negative cpuID only locks the thread. The returned func undoes the
// lock; the CPU mask is left as is.
func Pin(cpuID int) (func(), error) {
	runtime.LockOSThread()
	if cpuID < 0 {
		return runtime.UnlockOSThread, nil
	}
	if err := setAffinityPlatform(cpuID); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return runtime.UnlockOSThread, nil
}

// Current returns the CPUs the calling thread may run on.
func Current() ([]int, error) {
	return currentPlatform()
}
