//go:build !windows

package mcp

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in a new process group so signals reach
// its descendants.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processAlive checks liveness with signal 0.
func processAlive(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}

// terminateGroup sends SIGTERM to the child's process group.
func terminateGroup(proc *os.Process) error {
	return unix.Kill(-proc.Pid, unix.SIGTERM)
}

// killGroup sends SIGKILL to the child's process group.
func killGroup(proc *os.Process) error {
	return unix.Kill(-proc.Pid, unix.SIGKILL)
}
