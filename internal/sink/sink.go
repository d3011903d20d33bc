package sink

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/cmdsink/internal/log"
	"github.com/mattjoyce/cmdsink/internal/shell"
)

// Environment variables exposed to every command.
const (
	EnvIndex = "INDEX"
	EnvSeqID = "SEQID"
)

// AbortPolicy selects what Abort does with a command that is still running.
type AbortPolicy string

const (
	// AbortLeave takes no action; a following Close still reaps the process.
	AbortLeave AbortPolicy = "leave"
	// AbortKill kills the running command's process group and reaps it.
	AbortKill AbortPolicy = "kill"
)

// State is the lifecycle state of a Sink.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config is the output configuration of one unit.
type Config struct {
	// Command is the shell command line run once per output file. Required.
	Command string
	// OS selects the interpreter. Empty means the host OS.
	OS string
	// WaitTimeout bounds the wait for a command to exit after its input is closed.
	// Zero waits forever.
	WaitTimeout time.Duration
	// AbortPolicy defaults to AbortLeave.
	AbortPolicy AbortPolicy
}

// Buffer is a chunk of bytes owned by the caller until it is handed to Add.
type Buffer interface {
	Bytes() []byte
	Release()
}

// FileInfo identifies one file invocation.
type FileInfo struct {
	TaskIndex int
	SeqID     int
	PID       int
	StartedAt time.Time
}

// FileResult describes a finished file invocation.
type FileResult struct {
	FileInfo
	Bytes      int64
	ExitCode   int
	FinishedAt time.Time
	Err        error
}

// Observer is notified synchronously as files start and finish.
type Observer interface {
	FileStarted(info FileInfo)
	FileFinished(result FileResult)
}

// TaskReport acknowledges a committed unit. It carries no resumable state; the
// counters are informational.
type TaskReport struct {
	TaskIndex int   `json:"task_index"`
	Files     int   `json:"files"`
	Bytes     int64 `json:"bytes"`
}

// Option customises a Sink.
type Option func(*Sink)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Sink) { s.launcher = l }
}

// WithObserver registers an observer for file lifecycle notifications.
func WithObserver(o Observer) Option {
	return func(s *Sink) { s.observer = o }
}

// WithOutput sets where command stdout and stderr go. Defaults to the parent's.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *Sink) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// WithEnviron sets the base environment overlaid with INDEX and SEQID.
// Defaults to os.Environ at spawn time.
func WithEnviron(fn func() []string) Option {
	return func(s *Sink) { s.environ = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// Sink feeds output files of one unit into one command invocation per file.
// A Sink is not safe for concurrent use.
type Sink struct {
	cmdline   []string
	taskIndex int
	cfg       Config

	launcher Launcher
	observer Observer
	stdout   io.Writer
	stderr   io.Writer
	environ  func() []string
	logger   *slog.Logger

	state   State
	seqID   int
	current *invocation
	failed  bool
	files   int
	bytes   int64
}

// Validate reports the first problem with c as a *ConfigurationError.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return &ConfigurationError{Field: "command", Reason: "is required"}
	}
	switch c.AbortPolicy {
	case "", AbortLeave, AbortKill:
	default:
		return &ConfigurationError{Field: "abort_policy", Reason: "must be one of: leave, kill (got " + string(c.AbortPolicy) + ")"}
	}
	if c.WaitTimeout < 0 {
		return &ConfigurationError{Field: "wait_timeout", Reason: "must not be negative"}
	}
	return nil
}

// Open binds a sink to cfg and taskIndex.
func Open(cfg Config, taskIndex int, opts ...Option) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AbortPolicy == "" {
		cfg.AbortPolicy = AbortLeave
	}

	tokens := shell.Host()
	if cfg.OS != "" {
		tokens = shell.Resolve(cfg.OS)
	}

	s := &Sink{
		cmdline:   shell.CommandLine(tokens, cfg.Command),
		taskIndex: taskIndex,
		cfg:       cfg,
		launcher:  ExecLauncher{},
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		environ:   os.Environ,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithComponent("sink")
	}
	s.logger = s.logger.With("task_index", taskIndex)
	s.logger.Info("using command", "cmdline", s.cmdline)

	return s, nil
}

// CommandLine returns the argument vector used for every file.
func (s *Sink) CommandLine() []string {
	out := make([]string, len(s.cmdline))
	copy(out, s.cmdline)
	return out
}

// TaskIndex returns the unit's task index.
func (s *Sink) TaskIndex() int { return s.taskIndex }

// State returns the current lifecycle state.
func (s *Sink) State() State { return s.state }

// NextSeqID returns the sequence number the next file will get.
func (s *Sink) NextSeqID() int { return s.seqID }

// NextFile closes the current file, if any, and starts the command for the next
// one. It blocks until the previous process has been reaped.
func (s *Sink) NextFile(ctx context.Context) error {
	if s.state == StateClosed {
		return ErrClosed
	}
	if err := s.closeCurrent(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seqID := s.seqID
	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		Argv:   s.CommandLine(),
		Env:    Environ(s.environ(), s.taskIndex, seqID),
		Stdout: s.stdout,
		Stderr: s.stderr,
	})
	if err != nil {
		s.failed = true
		return &SpawnError{TaskIndex: s.taskIndex, SeqID: seqID, Argv: s.CommandLine(), Err: err}
	}

	info := FileInfo{
		TaskIndex: s.taskIndex,
		SeqID:     seqID,
		PID:       proc.PID(),
		StartedAt: time.Now().UTC(),
	}
	s.current = &invocation{info: info, proc: proc, timeout: s.cfg.WaitTimeout}
	s.state = StateRunning
	s.seqID++

	s.logger.Debug("file started", "seq_id", seqID, "pid", info.PID)
	if s.observer != nil {
		s.observer.FileStarted(info)
	}
	return nil
}

// Add writes buf to the current command's standard input, blocking while the pipe
// is full. buf is released exactly once whatever the outcome.
func (s *Sink) Add(buf Buffer) error {
	defer buf.Release()

	if s.state == StateClosed {
		return &WriteError{TaskIndex: s.taskIndex, SeqID: -1, Err: ErrClosed}
	}
	if s.current == nil {
		return &WriteError{TaskIndex: s.taskIndex, SeqID: -1, Err: ErrNoActiveFile}
	}

	n, err := s.current.proc.Stdin().Write(buf.Bytes())
	s.current.written += int64(n)
	s.bytes += int64(n)
	if err != nil {
		s.failed = true
		return &WriteError{TaskIndex: s.taskIndex, SeqID: s.current.info.SeqID, Err: err}
	}
	return nil
}

// Finish closes the current file, waits for its command and closes the sink.
// Calling it again is a no-op.
func (s *Sink) Finish() error {
	if s.state == StateClosed {
		return nil
	}
	err := s.closeCurrent()
	s.state = StateClosed
	return err
}

// Close has the same effect as Finish. It exists for the teardown call that
// follows a drain or an abort.
func (s *Sink) Close() error {
	return s.Finish()
}

// Abort marks the unit as failed. With AbortKill a running command is killed and
// reaped; with AbortLeave nothing happens to it.
func (s *Sink) Abort() error {
	s.failed = true
	if s.cfg.AbortPolicy != AbortKill || s.current == nil {
		return nil
	}

	inv := s.current
	s.current = nil
	if s.state == StateRunning {
		s.state = StateIdle
	}

	if err := inv.proc.Kill(); err != nil {
		s.logger.Warn("failed to kill command on abort", "seq_id", inv.info.SeqID, "error", err)
	}
	res := inv.close()
	s.logger.Info("command killed on abort", "seq_id", inv.info.SeqID, "pid", inv.info.PID)
	s.notifyFinished(res)
	return nil
}

// Commit returns the unit's acknowledgment. It is only valid after a clean Finish.
func (s *Sink) Commit() (TaskReport, error) {
	if s.state != StateClosed || s.failed {
		return TaskReport{}, ErrNotFinished
	}
	return TaskReport{TaskIndex: s.taskIndex, Files: s.files, Bytes: s.bytes}, nil
}

// closeCurrent runs the close sequence on the live invocation. The invocation is
// detached before waiting so a failed close is never repeated.
func (s *Sink) closeCurrent() error {
	inv := s.current
	if inv == nil {
		return nil
	}
	s.current = nil
	s.state = StateIdle

	res := inv.close()
	if res.Err != nil {
		s.failed = true
		s.logger.Warn("file failed", "seq_id", res.SeqID, "exit_code", res.ExitCode, "error", res.Err)
	} else {
		s.files++
		s.logger.Debug("file finished", "seq_id", res.SeqID, "bytes", res.Bytes)
	}
	s.notifyFinished(res)
	return res.Err
}

func (s *Sink) notifyFinished(res FileResult) {
	if s.observer != nil {
		s.observer.FileFinished(res)
	}
}

// invocation owns one process and its stdin. close must be the only path that
// closes stdin and waits, and it does so once.
type invocation struct {
	info    FileInfo
	proc    Process
	timeout time.Duration
	written int64

	once   sync.Once
	result FileResult
}

func (inv *invocation) close() FileResult {
	inv.once.Do(func() {
		inv.result = FileResult{FileInfo: inv.info}
		closeErr := inv.proc.Stdin().Close()
		code, err := inv.wait()
		inv.result.Bytes = inv.written
		inv.result.ExitCode = code
		inv.result.FinishedAt = time.Now().UTC()

		switch {
		case err != nil:
			inv.result.Err = err
		case code != 0:
			inv.result.Err = &NonZeroExitError{TaskIndex: inv.info.TaskIndex, SeqID: inv.info.SeqID, Code: code}
		case closeErr != nil:
			inv.result.Err = &WriteError{TaskIndex: inv.info.TaskIndex, SeqID: inv.info.SeqID, Err: closeErr}
		}
	})
	return inv.result
}

type waitResult struct {
	code int
	err  error
}

func (inv *invocation) wait() (int, error) {
	if inv.timeout <= 0 {
		return inv.proc.Wait()
	}

	done := make(chan waitResult, 1)
	go func() {
		code, err := inv.proc.Wait()
		done <- waitResult{code: code, err: err}
	}()

	timer := time.NewTimer(inv.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.code, r.err
	case <-timer.C:
		_ = inv.proc.Kill()
		r := <-done
		return r.code, &WaitTimeoutError{TaskIndex: inv.info.TaskIndex, SeqID: inv.info.SeqID, Timeout: inv.timeout}
	}
}
