package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/cmdsink/internal/sink"
	"github.com/mattjoyce/cmdsink/internal/storage"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestLedgerRunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTestLedger(t)

	id, err := l.BeginRun(ctx, BeginRequest{Command: "cat > out.$SEQID", Tasks: 2, ConfigPath: "/etc/cmdsink.yaml"})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated run id")
	}

	run, err := l.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusRunning || run.Tasks != 2 || run.FinishedAt != nil || run.ConfigPath != "/etc/cmdsink.yaml" {
		t.Fatalf("unexpected running run: %#v", run)
	}

	if err := l.FinishRun(ctx, id, Summary{Files: 3, Bytes: 42}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err = l.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusSucceeded || run.Files != 3 || run.Bytes != 42 || run.FinishedAt == nil || run.LastError != nil {
		t.Fatalf("unexpected finished run: %#v", run)
	}
	if run.Duration() < 0 {
		t.Fatalf("negative duration: %v", run.Duration())
	}
}

func TestLedgerFailedRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTestLedger(t)

	id, err := l.BeginRun(ctx, BeginRequest{ID: "fixed-id", Command: "false", Tasks: 1})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if id != "fixed-id" {
		t.Fatalf("expected caller id to be kept, got %q", id)
	}

	exitErr := &sink.NonZeroExitError{TaskIndex: 0, SeqID: 0, Code: 1}
	if err := l.FinishRun(ctx, id, Summary{Err: exitErr}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := l.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusFailed || run.LastError == nil || !strings.Contains(*run.LastError, "Exit code is 1") {
		t.Fatalf("unexpected failed run: %#v", run)
	}
}

func TestLedgerBeginRunValidates(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	if _, err := l.BeginRun(context.Background(), BeginRequest{Tasks: 1}); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := l.BeginRun(context.Background(), BeginRequest{Command: "cat"}); err == nil {
		t.Fatal("expected error for zero tasks")
	}
}

func TestLedgerUnknownRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTestLedger(t)

	if _, err := l.GetRun(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun: expected ErrNotFound, got %v", err)
	}
	if err := l.FinishRun(ctx, "nope", Summary{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FinishRun: expected ErrNotFound, got %v", err)
	}
}

func TestLedgerFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTestLedger(t)

	id, err := l.BeginRun(ctx, BeginRequest{Command: "cat", Tasks: 2})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	start := time.Now().UTC()
	infos := []sink.FileInfo{
		{TaskIndex: 1, SeqID: 0, PID: 300, StartedAt: start},
		{TaskIndex: 0, SeqID: 1, PID: 200, StartedAt: start},
		{TaskIndex: 0, SeqID: 0, PID: 100, StartedAt: start},
	}
	for _, info := range infos {
		if err := l.RecordFileStart(ctx, id, info); err != nil {
			t.Fatalf("RecordFileStart: %v", err)
		}
	}

	if err := l.RecordFileFinish(ctx, id, sink.FileResult{FileInfo: infos[2], Bytes: 10, FinishedAt: time.Now()}); err != nil {
		t.Fatalf("RecordFileFinish: %v", err)
	}
	failure := &sink.NonZeroExitError{TaskIndex: 0, SeqID: 1, Code: 3}
	if err := l.RecordFileFinish(ctx, id, sink.FileResult{FileInfo: infos[1], Bytes: 5, ExitCode: 3, Err: failure}); err != nil {
		t.Fatalf("RecordFileFinish: %v", err)
	}

	files, err := l.ListFiles(ctx, id)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(files))
	}

	order := [][2]int{{0, 0}, {0, 1}, {1, 0}}
	for i, f := range files {
		if f.TaskIndex != order[i][0] || f.SeqID != order[i][1] {
			t.Fatalf("file %d out of order: %#v", i, f)
		}
	}

	if f := files[0]; f.Status != StatusSucceeded || f.Bytes != 10 || f.ExitCode == nil || *f.ExitCode != 0 || f.FinishedAt == nil {
		t.Fatalf("unexpected succeeded file: %#v", f)
	}
	if f := files[1]; f.Status != StatusFailed || f.ExitCode == nil || *f.ExitCode != 3 || f.Error == nil {
		t.Fatalf("unexpected failed file: %#v", f)
	}
	if f := files[2]; f.Status != StatusRunning || f.ExitCode != nil || f.FinishedAt != nil || f.PID != 300 {
		t.Fatalf("unexpected running file: %#v", f)
	}
}

func TestLedgerRecordFileFinishWithoutStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTestLedger(t)

	id, err := l.BeginRun(ctx, BeginRequest{Command: "cat", Tasks: 1})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	err = l.RecordFileFinish(ctx, id, sink.FileResult{FileInfo: sink.FileInfo{TaskIndex: 0, SeqID: 9}})
	if err == nil || !strings.Contains(err.Error(), "no started file") {
		t.Fatalf("expected missing start error, got %v", err)
	}
}

func TestLedgerRecentRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTestLedger(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := l.BeginRun(ctx, BeginRequest{Command: "cat", Tasks: 1})
		if err != nil {
			t.Fatalf("BeginRun %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	runs, err := l.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Fatalf("expected newest first, got %s, %s", runs[0].ID, runs[1].ID)
	}

	all, err := l.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected default limit to include all 3 runs, got %d", len(all))
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	t.Parallel()

	// One ASCII byte shifts every two-byte rune so the limit falls mid-rune.
	long := "x" + strings.Repeat("é", maxErrorBytes)
	got := truncate(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8 ending in %q", got[len(got)-4:])
	}
	if len(got) > maxErrorBytes || len(got) < maxErrorBytes-utf8.UTFMax {
		t.Fatalf("unexpected truncated length %d", len(got))
	}
	if short := "boom"; truncate(short) != short {
		t.Fatalf("short strings must be kept")
	}
}

func TestLedgerFailedRunStoresValidUTF8Error(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTestLedger(t)
	id, err := l.BeginRun(ctx, BeginRequest{Command: "false", Tasks: 1})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := l.FinishRun(ctx, id, Summary{Err: errors.New("x" + strings.Repeat("ü", maxErrorBytes))}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	run, err := l.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.LastError == nil || !utf8.ValidString(*run.LastError) || len(*run.LastError) > maxErrorBytes {
		t.Fatalf("unexpected stored error: %v", run.LastError)
	}
}
