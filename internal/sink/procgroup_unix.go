//go:build !windows

package sink

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// startInOwnGroup makes the command the leader of a new process group so Kill
// reaches everything the shell started.
func startInOwnGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return p.Kill()
	}
	return err
}
