//go:build !windows

package cronsd

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

var defaultShell = []string{"sh", "-c"}

// setupCommand runs the command in its own process group
func setupCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// killProcessGroup kills the command and everything it started
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return nil // already gone
	}
	return err
}
