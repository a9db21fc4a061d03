//go:build windows

package mcp

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup is a no-op on Windows; job objects would be required to
// signal descendants and the SDK transport already kills the direct child.
func setProcessGroup(cmd *exec.Cmd) {}

// processAlive reports whether the process still accepts signals. Signal(0)
// is unsupported on Windows, so a dead-or-alive probe failure is treated as
// dead; the SDK transport has already reaped the direct child by then.
func processAlive(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}

// terminateGroup falls back to Kill on Windows (no SIGTERM).
func terminateGroup(proc *os.Process) error {
	return proc.Kill()
}

// killGroup kills the direct child.
func killGroup(proc *os.Process) error {
	return proc.Kill()
}
