//go:build linux
// +build linux

// internal/concurrency/pin_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux thread pinning through sched_setaffinity.

package concurrency

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-relay/api"
	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to cpuID. A negative cpuID only locks the thread.
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	if cpuID < 0 {
		return nil
	}
	if cpuID >= runtime.NumCPU() {
		return fmt.Errorf("pin cpu %d of %d: %w", cpuID, runtime.NumCPU(), api.ErrInvalidArgument)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity cpu %d: %w", cpuID, err)
	}
	return nil
}

// UnpinCurrentThread releases the OS thread lock.
func UnpinCurrentThread() {
	runtime.UnlockOSThread()
}
