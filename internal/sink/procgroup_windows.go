//go:build windows

package sink

import (
	"os"
	"os/exec"
)

// Windows has no process groups to signal; only the interpreter is killed.
func startInOwnGroup(*exec.Cmd) {}

func killGroup(p *os.Process) error { return p.Kill() }
