// Package inspect renders ledger runs for terminals and scripts.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/cmdsink/internal/ledger"
)

// RunReader is the part of the ledger a report needs.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*ledger.Run, error)
	ListFiles(ctx context.Context, runID string) ([]ledger.File, error)
}

// Report is the structured JSON representation of a run.
type Report struct {
	Run   ledger.Run    `json:"run"`
	Files []ledger.File `json:"files"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, store RunReader, runID string, theme Theme) (string, error) {
	report, err := gatherReportData(ctx, store, runID)
	if err != nil {
		return "", err
	}
	run := report.Run

	var out strings.Builder
	label := func(name string) string { return theme.Label.Render(fmt.Sprintf("%-11s:", name)) }

	fmt.Fprintf(&out, "%s\n", theme.Title.Render("Run Report"))
	fmt.Fprintf(&out, "%s %s\n", label("Run ID"), run.ID)
	fmt.Fprintf(&out, "%s %s\n", label("Status"), theme.status(string(run.Status)).Render(string(run.Status)))
	fmt.Fprintf(&out, "%s %s\n", label("Command"), run.Command)
	fmt.Fprintf(&out, "%s %d\n", label("Tasks"), run.Tasks)
	if run.ConfigPath != "" {
		fmt.Fprintf(&out, "%s %s\n", label("Config"), run.ConfigPath)
	}
	fmt.Fprintf(&out, "%s %s\n", label("Started"), run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(&out, "%s %s (%s)\n", label("Finished"), run.FinishedAt.Format(time.RFC3339), run.Duration().Round(time.Millisecond))
	} else {
		fmt.Fprintf(&out, "%s %s\n", label("Finished"), theme.Dim.Render("<running>"))
	}
	fmt.Fprintf(&out, "%s %d files, %d bytes\n", label("Committed"), run.Files, run.Bytes)
	if run.LastError != nil {
		fmt.Fprintf(&out, "%s %s\n", label("Error"), theme.Failed.Render(*run.LastError))
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Files) == 0 {
		fmt.Fprintf(&out, "%s\n", theme.Dim.Render("no files"))
		return out.String(), nil
	}

	fmt.Fprintf(&out, "%s\n", theme.Label.Render(fmt.Sprintf("%-5s %-5s %-8s %-10s %10s %5s  %s", "TASK", "SEQ", "PID", "STATUS", "BYTES", "EXIT", "ERROR")))
	for _, f := range report.Files {
		exit := "-"
		if f.ExitCode != nil {
			exit = fmt.Sprintf("%d", *f.ExitCode)
		}
		errText := ""
		if f.Error != nil {
			errText = *f.Error
		}
		status := theme.status(string(f.Status)).Render(fmt.Sprintf("%-10s", f.Status))
		line := fmt.Sprintf("%-5d %-5d %-8d %s %10d %5s  %s", f.TaskIndex, f.SeqID, f.PID, status, f.Bytes, exit, errText)
		fmt.Fprintf(&out, "%s\n", strings.TrimRight(line, " "))
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable JSON report for a run.
func BuildJSONReport(ctx context.Context, store RunReader, runID string) (string, error) {
	report, err := gatherReportData(ctx, store, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildRunList renders one line per run, newest first as given.
func BuildRunList(runs []ledger.Run, theme Theme) string {
	if len(runs) == 0 {
		return theme.Dim.Render("no runs recorded") + "\n"
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%s\n", theme.Label.Render(fmt.Sprintf("%-36s  %-10s  %-20s  %6s  %12s", "RUN ID", "STATUS", "STARTED", "FILES", "BYTES")))
	for _, r := range runs {
		status := theme.status(string(r.Status)).Render(fmt.Sprintf("%-10s", r.Status))
		fmt.Fprintf(&out, "%-36s  %s  %-20s  %6d  %12d\n", r.ID, status, r.StartedAt.Format(time.RFC3339), r.Files, r.Bytes)
	}
	return out.String()
}

func gatherReportData(ctx context.Context, store RunReader, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}

	run, err := store.GetRun(ctx, runID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %q: %w", runID, err)
	}

	files, err := store.ListFiles(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load files for run %q: %w", runID, err)
	}
	if files == nil {
		files = []ledger.File{}
	}
	return &Report{Run: *run, Files: files}, nil
}
