//go:build !linux
// +build !linux

// internal/concurrency/pin_other.go
// Author: momentics <momentics@gmail.com>

package concurrency

import "runtime"

// PinCurrentThread locks the goroutine to its thread; CPU binding is not
// available on this platform.
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	if cpuID >= 0 {
		return ErrAffinityNotSupported
	}
	return nil
}

// UnpinCurrentThread releases the OS thread lock.
func UnpinCurrentThread() {
	runtime.UnlockOSThread()
}
