//go:build unix

package pipelines

import (
	"os/exec"
	"syscall"
)

// configureProcess starts the child in a new process group and makes
// cancellation kill the whole group, so grandchildren such as ffmpeg die
// with it.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
