// Package ledger records runs and their per-file command invocations in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mattjoyce/cmdsink/internal/sink"
)

const maxErrorBytes = 4 * 1024

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger persists run and file rows. It is safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// BeginRun inserts a running run and returns its id.
func (l *Ledger) BeginRun(ctx context.Context, req BeginRequest) (string, error) {
	if req.Command == "" {
		return "", fmt.Errorf("command is empty")
	}
	if req.Tasks < 1 {
		return "", fmt.Errorf("tasks must be positive")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC().Format(timeFormat)

	_, err := l.db.ExecContext(ctx, `
INSERT INTO run_log(id, status, command, tasks, config_path, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, StatusRunning, req.Command, req.Tasks, nullIfEmpty(req.ConfigPath), now)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// FinishRun marks a run succeeded, or failed when sum.Err is set.
func (l *Ledger) FinishRun(ctx context.Context, runID string, sum Summary) error {
	status := StatusSucceeded
	var lastError any
	if sum.Err != nil {
		status = StatusFailed
		lastError = truncate(sum.Err.Error())
	}
	now := time.Now().UTC().Format(timeFormat)

	res, err := l.db.ExecContext(ctx, `
UPDATE run_log
SET status = ?, finished_at = ?, files = ?, bytes = ?, last_error = ?
WHERE id = ?;
`, status, now, sum.Files, sum.Bytes, lastError, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// RecordFileStart inserts a running file row.
func (l *Ledger) RecordFileStart(ctx context.Context, runID string, info sink.FileInfo) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO file_log(run_id, task_index, seq_id, pid, status, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, runID, info.TaskIndex, info.SeqID, info.PID, StatusRunning, info.StartedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record file start %d/%d: %w", info.TaskIndex, info.SeqID, err)
	}
	return nil
}

// RecordFileFinish completes a file row with the command's outcome.
func (l *Ledger) RecordFileFinish(ctx context.Context, runID string, res sink.FileResult) error {
	status := StatusSucceeded
	var errText any
	if res.Err != nil {
		status = StatusFailed
		errText = truncate(res.Err.Error())
	}
	finishedAt := res.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	result, err := l.db.ExecContext(ctx, `
UPDATE file_log
SET status = ?, bytes = ?, exit_code = ?, finished_at = ?, error = ?
WHERE run_id = ? AND task_index = ? AND seq_id = ?;
`, status, res.Bytes, res.ExitCode, finishedAt.UTC().Format(timeFormat), errText, runID, res.TaskIndex, res.SeqID)
	if err != nil {
		return fmt.Errorf("record file finish %d/%d: %w", res.TaskIndex, res.SeqID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("record file finish %d/%d: no started file", res.TaskIndex, res.SeqID)
	}
	return nil
}

// GetRun loads one run.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, status, command, tasks, config_path, started_at, finished_at, files, bytes, last_error
FROM run_log
WHERE id = ?;
`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// RecentRuns returns up to limit runs, newest first.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT id, status, command, tasks, config_path, started_at, finished_at, files, bytes, last_error
FROM run_log
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// ListFiles returns a run's file rows ordered by task and sequence.
func (l *Ledger) ListFiles(ctx context.Context, runID string) ([]File, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT run_id, task_index, seq_id, pid, status, bytes, exit_code, started_at, finished_at, error
FROM file_log
WHERE run_id = ?
ORDER BY task_index ASC, seq_id ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var (
			f           File
			statusS     string
			exitCode    sql.NullInt64
			startedAtS  string
			finishedAtS sql.NullString
			errText     sql.NullString
		)
		if err := rows.Scan(&f.RunID, &f.TaskIndex, &f.SeqID, &f.PID, &statusS, &f.Bytes,
			&exitCode, &startedAtS, &finishedAtS, &errText); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.Status = Status(statusS)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			f.ExitCode = &code
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
			f.StartedAt = t
		}
		f.FinishedAt = parseNullTime(finishedAtS)
		if errText.Valid {
			f.Error = &errText.String
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r           Run
		statusS     string
		configPath  sql.NullString
		startedAtS  string
		finishedAtS sql.NullString
		lastError   sql.NullString
	)
	if err := s.Scan(&r.ID, &statusS, &r.Command, &r.Tasks, &configPath, &startedAtS,
		&finishedAtS, &r.Files, &r.Bytes, &lastError); err != nil {
		return nil, err
	}

	r.Status = Status(statusS)
	r.ConfigPath = configPath.String
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	r.FinishedAt = parseNullTime(finishedAtS)
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string) string {
	if len(s) <= maxErrorBytes {
		return s
	}
	cut := maxErrorBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
