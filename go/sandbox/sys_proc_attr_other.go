//go:build !linux

package sandbox

import "syscall"

// Pdeathsig is linux-only, so elsewhere children are reaped solely by the
// run deadline.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
