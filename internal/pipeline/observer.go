package pipeline

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/cmdsink/internal/events"
	"github.com/mattjoyce/cmdsink/internal/sink"
)

// fileRecorder forwards sink notifications to the ledger and the publisher.
// Ledger failures are logged and never fail the unit.
type fileRecorder struct {
	ctx       context.Context
	runID     string
	ledger    Ledger
	publisher Publisher
	logger    *slog.Logger
}

func (f *fileRecorder) FileStarted(info sink.FileInfo) {
	if f.ledger != nil {
		if err := f.ledger.RecordFileStart(f.ctx, f.runID, info); err != nil {
			f.logger.Warn("failed to record file start", "seq_id", info.SeqID, "error", err)
		}
	}
	if f.publisher != nil {
		f.publisher.Publish(events.TypeFileStarted, map[string]any{
			"run_id":     f.runID,
			"task_index": info.TaskIndex,
			"seq_id":     info.SeqID,
			"pid":        info.PID,
		})
	}
}

func (f *fileRecorder) FileFinished(res sink.FileResult) {
	if f.ledger != nil {
		if err := f.ledger.RecordFileFinish(f.ctx, f.runID, res); err != nil {
			f.logger.Warn("failed to record file finish", "seq_id", res.SeqID, "error", err)
		}
	}
	if f.publisher != nil {
		data := map[string]any{
			"run_id":     f.runID,
			"task_index": res.TaskIndex,
			"seq_id":     res.SeqID,
			"bytes":      res.Bytes,
			"exit_code":  res.ExitCode,
		}
		if res.Err != nil {
			data["error"] = res.Err.Error()
		}
		f.publisher.Publish(events.TypeFileFinished, data)
	}
}
