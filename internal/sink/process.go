package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// LaunchSpec describes one process to start.
type LaunchSpec struct {
	Argv   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started command whose standard input is a pipe.
type Process interface {
	Stdin() io.WriteCloser
	// Wait blocks until the process exits and returns its exit code. err is set
	// only when the exit status could not be obtained at all.
	Wait() (code int, err error)
	Kill() error
	PID() int
}

// Launcher starts processes. The default launcher uses os/exec; tests substitute
// their own to observe or fail spawns.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts real OS processes.
type ExecLauncher struct{}

// Launch starts spec.Argv. ctx is only consulted before starting: a running
// command is never tied to the context's lifetime.
func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty argument vector")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Don't use CommandContext - termination is managed by the sink.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	startInOwnGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

// Kill kills the command's whole process group.
func (p *execProcess) Kill() error { return killGroup(p.cmd.Process) }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Exited reports whether the process has been reaped.
func (p *execProcess) Exited() bool {
	return p.cmd.ProcessState != nil
}

// Environ overlays INDEX and SEQID onto base. Inherited variables with the same
// names are dropped so the overlay always wins.
func Environ(base []string, taskIndex, seqID int) []string {
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, EnvIndex+"=") || strings.HasPrefix(kv, EnvSeqID+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		EnvIndex+"="+strconv.Itoa(taskIndex),
		EnvSeqID+"="+strconv.Itoa(seqID),
	)
}
