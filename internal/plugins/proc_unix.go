//go:build unix

package plugins

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes cancellation kill the whole process tree, so a shell
// script's children do not outlive the timeout.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
