package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cmdsink/internal/buffer"
	"github.com/mattjoyce/cmdsink/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX sh")
	}
}

// recordingLauncher wraps ExecLauncher and keeps every started process.
type recordingLauncher struct {
	mu    sync.Mutex
	procs []Process
	specs []LaunchSpec
}

func (l *recordingLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	p, err := ExecLauncher{}.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)
	l.mu.Unlock()
	return p, nil
}

func (l *recordingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

type failingLauncher struct {
	err error
}

func (l failingLauncher) Launch(context.Context, LaunchSpec) (Process, error) {
	return nil, l.err
}

type recordingObserver struct {
	started  []FileInfo
	finished []FileResult
}

func (o *recordingObserver) FileStarted(info FileInfo)   { o.started = append(o.started, info) }
func (o *recordingObserver) FileFinished(res FileResult) { o.finished = append(o.finished, res) }

func openTestSink(t *testing.T, command string, taskIndex int, opts ...Option) *Sink {
	t.Helper()
	s, err := Open(Config{Command: command, OS: "linux"}, taskIndex, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestOpen_RequiresCommand(t *testing.T) {
	for _, command := range []string{"", "   ", "\t\n"} {
		_, err := Open(Config{Command: command}, 0)

		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "command", cfgErr.Field)
	}
}

func TestOpen_RejectsInvalidOptions(t *testing.T) {
	_, err := Open(Config{Command: "cat", AbortPolicy: "explode"}, 0)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "abort_policy", cfgErr.Field)

	_, err = Open(Config{Command: "cat", WaitTimeout: -time.Second}, 0)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "wait_timeout", cfgErr.Field)
}

func TestOpen_CommandLine(t *testing.T) {
	s, err := Open(Config{Command: "cat > /tmp/out.$SEQID", OS: "linux"}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "cat > /tmp/out.$SEQID"}, s.CommandLine())
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, s.NextSeqID())

	s, err = Open(Config{Command: "Get-Content", OS: "Windows 11"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"PowerShell.exe", "-Command", "Get-Content"}, s.CommandLine())
}

func TestSink_DeliversBytesAndEnvironment(t *testing.T) {
	requirePOSIX(t)
	dir := t.TempDir()
	command := fmt.Sprintf(`cat > '%s/out.'"$SEQID"; echo "$INDEX $SEQID" > '%s/env.'"$SEQID"`, dir, dir)

	pool := buffer.NewPool(64)
	s := openTestSink(t, command, 3)
	ctx := context.Background()

	require.NoError(t, s.NextFile(ctx))
	require.NoError(t, s.Add(pool.Wrap([]byte("hel"))))
	require.NoError(t, s.Add(pool.Wrap([]byte("lo"))))

	require.NoError(t, s.NextFile(ctx))
	require.NoError(t, s.Add(pool.Wrap([]byte("world"))))
	require.NoError(t, s.Finish())

	assert.Equal(t, "hello", readFile(t, filepath.Join(dir, "out.0")))
	assert.Equal(t, "world", readFile(t, filepath.Join(dir, "out.1")))
	assert.Equal(t, "3 0\n", readFile(t, filepath.Join(dir, "env.0")))
	assert.Equal(t, "3 1\n", readFile(t, filepath.Join(dir, "env.1")))
	assert.EqualValues(t, 0, pool.Outstanding())
}

func TestSink_SeqIDsAreContiguous(t *testing.T) {
	requirePOSIX(t)
	dir := t.TempDir()
	seqLog := filepath.Join(dir, "seq.log")
	command := fmt.Sprintf(`cat > /dev/null; echo "$SEQID" >> '%s'`, seqLog)

	obs := &recordingObserver{}
	s := openTestSink(t, command, 0, WithObserver(obs))

	const n = 6
	for range n {
		require.NoError(t, s.NextFile(context.Background()))
	}
	require.NoError(t, s.Finish())

	var want strings.Builder
	for i := range n {
		fmt.Fprintf(&want, "%d\n", i)
		assert.Equal(t, i, obs.started[i].SeqID)
		assert.Equal(t, i, obs.finished[i].SeqID)
	}
	assert.Equal(t, want.String(), readFile(t, seqLog))
	assert.Equal(t, n, s.NextSeqID())
}

func TestSink_NextFileReapsPreviousProcess(t *testing.T) {
	requirePOSIX(t)
	launcher := &recordingLauncher{}
	s := openTestSink(t, "cat > /dev/null", 0, WithLauncher(launcher))
	ctx := context.Background()

	require.NoError(t, s.NextFile(ctx))
	require.NoError(t, s.NextFile(ctx))

	require.Equal(t, 2, launcher.count())
	first := launcher.procs[0].(*execProcess)
	second := launcher.procs[1].(*execProcess)
	assert.True(t, first.Exited(), "first process must be reaped before the second is started")
	assert.False(t, second.Exited())

	require.NoError(t, s.Finish())
	assert.True(t, second.Exited())
}

func TestSink_NonZeroExit(t *testing.T) {
	requirePOSIX(t)
	launcher := &recordingLauncher{}
	obs := &recordingObserver{}
	s := openTestSink(t, "cat > /dev/null; exit 1", 2, WithLauncher(launcher), WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, s.NextFile(ctx))
	err := s.NextFile(ctx)

	var nz *NonZeroExitError
	require.ErrorAs(t, err, &nz)
	assert.Equal(t, 1, nz.Code)
	assert.Equal(t, 2, nz.TaskIndex)
	assert.Equal(t, 0, nz.SeqID)
	assert.Equal(t, 1, launcher.count(), "no further file is started after a failed close")
	assert.Equal(t, 1, s.NextSeqID())

	code, ok := ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 1, code)

	require.Len(t, obs.finished, 1)
	assert.Equal(t, 1, obs.finished[0].ExitCode)

	// The failed invocation is gone; finishing now is clean but the unit cannot commit.
	require.NoError(t, s.Finish())
	_, err = s.Commit()
	assert.ErrorIs(t, err, ErrNotFinished)
}

func TestSink_FinishReportsNonZeroExit(t *testing.T) {
	requirePOSIX(t)
	s := openTestSink(t, "cat > /dev/null; exit 7", 0)

	require.NoError(t, s.NextFile(context.Background()))
	err := s.Finish()

	var nz *NonZeroExitError
	require.ErrorAs(t, err, &nz)
	assert.Equal(t, 7, nz.Code)
	assert.Contains(t, err.Error(), "Exit code is 7")
	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Finish(), "second finish is a no-op")
}

func TestSink_FinishWithoutFiles(t *testing.T) {
	launcher := &recordingLauncher{}
	s := openTestSink(t, "cat", 0, WithLauncher(launcher))

	assert.NoError(t, s.Finish())
	assert.NoError(t, s.Finish())
	assert.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, launcher.count())

	report, err := s.Commit()
	require.NoError(t, err)
	assert.Equal(t, TaskReport{TaskIndex: 0}, report)
}

func TestSink_NextFileAfterClose(t *testing.T) {
	s := openTestSink(t, "cat", 0)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.NextFile(context.Background()), ErrClosed)
}

func TestSink_NextFileHonoursCancelledContext(t *testing.T) {
	launcher := &recordingLauncher{}
	s := openTestSink(t, "cat", 0, WithLauncher(launcher))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.NextFile(ctx), context.Canceled)
	assert.Equal(t, 0, launcher.count())
	assert.Equal(t, 0, s.NextSeqID())
}

func TestSink_SpawnError(t *testing.T) {
	cause := errors.New("exec: \"sh\": executable file not found in $PATH")
	s := openTestSink(t, "cat", 4, WithLauncher(failingLauncher{err: cause}))

	err := s.NextFile(context.Background())

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, 4, spawnErr.TaskIndex)
	assert.Equal(t, 0, spawnErr.SeqID)
	assert.Equal(t, []string{"sh", "-c", "cat"}, spawnErr.Argv)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, s.NextSeqID(), "seq id only advances after a successful spawn")
	assert.Equal(t, StateIdle, s.State())
}

func TestSink_AddReleasesBufferExactlyOnce(t *testing.T) {
	requirePOSIX(t)
	pool := buffer.NewPool(16)

	t.Run("no active file", func(t *testing.T) {
		s := openTestSink(t, "cat > /dev/null", 0)
		b := pool.Wrap([]byte("x"))

		err := s.Add(b)
		assert.ErrorIs(t, err, ErrNoActiveFile)
		var writeErr *WriteError
		assert.ErrorAs(t, err, &writeErr)
		assert.True(t, b.Released())
	})

	t.Run("closed", func(t *testing.T) {
		s := openTestSink(t, "cat > /dev/null", 0)
		require.NoError(t, s.Close())
		b := pool.Wrap([]byte("x"))

		assert.ErrorIs(t, s.Add(b), ErrClosed)
		assert.True(t, b.Released())
	})

	t.Run("success", func(t *testing.T) {
		s := openTestSink(t, "cat > /dev/null", 0)
		require.NoError(t, s.NextFile(context.Background()))
		for range 10 {
			require.NoError(t, s.Add(pool.Wrap([]byte("0123456789"))))
		}
		require.NoError(t, s.Finish())
	})

	assert.EqualValues(t, 0, pool.Outstanding())
	assert.EqualValues(t, 0, pool.DoubleReleases())
}

func TestSink_WriteToExitedCommand(t *testing.T) {
	requirePOSIX(t)
	pool := buffer.NewPool(1 << 20)
	s := openTestSink(t, "exit 0", 1)
	require.NoError(t, s.NextFile(context.Background()))

	payload := bytes.Repeat([]byte("a"), 1<<20)
	var err error
	for range 8 {
		if err = s.Add(pool.Wrap(payload)); err != nil {
			break
		}
	}

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, 0, writeErr.SeqID)
	assert.ErrorIs(t, err, syscall.EPIPE)

	assert.NoError(t, s.Close(), "the command itself exited cleanly")
	_, err = s.Commit()
	assert.ErrorIs(t, err, ErrNotFinished)
	assert.EqualValues(t, 0, pool.Outstanding())
	assert.EqualValues(t, 0, pool.DoubleReleases())
}

func TestSink_CommitCounters(t *testing.T) {
	requirePOSIX(t)
	pool := buffer.NewPool(16)
	s := openTestSink(t, "cat > /dev/null", 5)
	ctx := context.Background()

	_, err := s.Commit()
	assert.ErrorIs(t, err, ErrNotFinished)

	require.NoError(t, s.NextFile(ctx))
	require.NoError(t, s.Add(pool.Wrap([]byte("abc"))))
	require.NoError(t, s.NextFile(ctx))
	require.NoError(t, s.Add(pool.Wrap([]byte("de"))))
	require.NoError(t, s.Finish())

	report, err := s.Commit()
	require.NoError(t, err)
	assert.Equal(t, TaskReport{TaskIndex: 5, Files: 2, Bytes: 5}, report)
}

func TestSink_AbortLeaveKeepsProcess(t *testing.T) {
	requirePOSIX(t)
	dir := t.TempDir()
	launcher := &recordingLauncher{}
	s := openTestSink(t, fmt.Sprintf(`cat > '%s/out'`, dir), 0, WithLauncher(launcher))
	pool := buffer.NewPool(16)

	require.NoError(t, s.NextFile(context.Background()))
	require.NoError(t, s.Add(pool.Wrap([]byte("partial"))))
	require.NoError(t, s.Abort())

	proc := launcher.procs[0].(*execProcess)
	assert.False(t, proc.Exited(), "abort leaves the command alone")

	// Teardown still reaps it.
	require.NoError(t, s.Close())
	assert.True(t, proc.Exited())
	assert.Equal(t, "partial", readFile(t, filepath.Join(dir, "out")))

	_, err := s.Commit()
	assert.ErrorIs(t, err, ErrNotFinished)
}

func TestSink_AbortKill(t *testing.T) {
	requirePOSIX(t)
	launcher := &recordingLauncher{}
	obs := &recordingObserver{}
	s, err := Open(Config{Command: "exec sleep 30", OS: "linux", AbortPolicy: AbortKill}, 0,
		WithLauncher(launcher), WithObserver(obs))
	require.NoError(t, err)

	require.NoError(t, s.NextFile(context.Background()))

	start := time.Now()
	require.NoError(t, s.Abort())
	assert.Less(t, time.Since(start), 10*time.Second)

	proc := launcher.procs[0].(*execProcess)
	assert.True(t, proc.Exited())
	require.Len(t, obs.finished, 1)
	assert.Equal(t, -1, obs.finished[0].ExitCode)

	assert.NoError(t, s.Close())
}

func TestSink_WaitTimeout(t *testing.T) {
	requirePOSIX(t)
	s, err := Open(Config{Command: "exec sleep 30", OS: "linux", WaitTimeout: 100 * time.Millisecond}, 0)
	require.NoError(t, err)

	require.NoError(t, s.NextFile(context.Background()))

	start := time.Now()
	err = s.Finish()
	var timeoutErr *WaitTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 100*time.Millisecond, timeoutErr.Timeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSink_InheritsConfiguredOutput(t *testing.T) {
	requirePOSIX(t)
	var stdout, stderr bytes.Buffer
	s := openTestSink(t, `echo "out $SEQID"; echo "err $INDEX" >&2; cat > /dev/null`, 9,
		WithOutput(&stdout, &stderr))

	require.NoError(t, s.NextFile(context.Background()))
	require.NoError(t, s.Finish())

	assert.Equal(t, "out 0\n", stdout.String())
	assert.Equal(t, "err 9\n", stderr.String())
}

func TestEnviron(t *testing.T) {
	base := []string{"PATH=/bin", "INDEX=old", "SEQID=old", "INDEXER=keep"}

	got := Environ(base, 3, 7)

	assert.Equal(t, []string{"PATH=/bin", "INDEXER=keep", "INDEX=3", "SEQID=7"}, got)
	assert.Len(t, base, 4, "base must not be modified")
}

func TestSink_UsesBaseEnvironment(t *testing.T) {
	requirePOSIX(t)
	launcher := &recordingLauncher{}
	s := openTestSink(t, "cat > /dev/null", 1, WithLauncher(launcher), WithEnviron(func() []string {
		return []string{"PATH=" + os.Getenv("PATH"), "SEQID=99"}
	}))

	require.NoError(t, s.NextFile(context.Background()))
	require.NoError(t, s.Finish())

	require.Len(t, launcher.specs, 1)
	assert.Equal(t, []string{"PATH=" + os.Getenv("PATH"), "INDEX=1", "SEQID=0"}, launcher.specs[0].Env)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
