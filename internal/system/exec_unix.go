//go:build unix

package system

import (
	"os/exec"
	"syscall"
)

// killProcessGroup runs the command in its own process group and makes
// cancellation kill the whole group, so background children die with it.
func killProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if err := syscall.Kill(-c.Process.Pid, syscall.SIGKILL); err != nil {
			return c.Process.Kill()
		}
		return nil
	}
}
