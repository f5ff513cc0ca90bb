//go:build linux

package sandbox

import "syscall"

// Deliver a SIGKILL to the child if the host process dies uncleanly, so no
// sandbox run outlives its runtime.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
