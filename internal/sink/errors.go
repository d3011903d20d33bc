package sink

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrClosed is returned by operations on a sink that already finished or closed.
	ErrClosed = errors.New("sink is closed")
	// ErrNoActiveFile is returned by Add before the first NextFile.
	ErrNoActiveFile = errors.New("no active file")
	// ErrNotFinished is returned by Commit unless the unit finished cleanly.
	ErrNotFinished = errors.New("sink has not finished successfully")
)

// ConfigurationError reports a missing or invalid option detected at Open.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// SpawnError reports that the OS could not create the process for a file.
type SpawnError struct {
	TaskIndex int
	SeqID     int
	Argv      []string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("task %d file %d: start %q: %v", e.TaskIndex, e.SeqID, strings.Join(e.Argv, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports an I/O failure feeding the current process's standard input,
// including the broken pipe seen when the command exits before reading everything.
type WriteError struct {
	TaskIndex int
	SeqID     int
	Err       error
}

func (e *WriteError) Error() string {
	if e.SeqID < 0 {
		return fmt.Sprintf("task %d: write: %v", e.TaskIndex, e.Err)
	}
	return fmt.Sprintf("task %d file %d: write: %v", e.TaskIndex, e.SeqID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// NonZeroExitError reports a command that ran but exited with a non-zero status.
// Code is -1 when the process was terminated by a signal.
type NonZeroExitError struct {
	TaskIndex int
	SeqID     int
	Code      int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("task %d file %d: command finished with non-zero exit code. Exit code is %d", e.TaskIndex, e.SeqID, e.Code)
}

// WaitTimeoutError reports a command that did not exit within the configured wait
// timeout after its input was closed. The process has been killed.
type WaitTimeoutError struct {
	TaskIndex int
	SeqID     int
	Timeout   time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("task %d file %d: command did not exit within %v and was killed", e.TaskIndex, e.SeqID, e.Timeout)
}

// ExitCode extracts the exit code carried by err, if any.
func ExitCode(err error) (int, bool) {
	var nz *NonZeroExitError
	if errors.As(err, &nz) {
		return nz.Code, true
	}
	return 0, false
}
