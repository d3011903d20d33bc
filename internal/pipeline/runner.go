// Package pipeline runs a transaction: one command sink per task, fed from the
// input paths assigned to that task, committed or aborted together.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/cmdsink/internal/buffer"
	"github.com/mattjoyce/cmdsink/internal/events"
	"github.com/mattjoyce/cmdsink/internal/input"
	"github.com/mattjoyce/cmdsink/internal/ledger"
	"github.com/mattjoyce/cmdsink/internal/log"
	"github.com/mattjoyce/cmdsink/internal/sink"
)

// Plan is everything a transaction needs.
type Plan struct {
	Output     sink.Config
	Tasks      int
	Inputs     []string
	SplitBytes int64
	BufferSize int
	ConfigPath string
}

// RunResult summarises a finished transaction.
type RunResult struct {
	RunID    string            `json:"run_id"`
	Reports  []sink.TaskReport `json:"reports"`
	Files    int               `json:"files"`
	Bytes    int64             `json:"bytes"`
	Duration time.Duration     `json:"duration"`
}

// Runner drives transactions. The zero ledger and publisher are allowed.
type Runner struct {
	ledger    Ledger
	publisher Publisher
	stdin     io.Reader
	sinkOpts  []sink.Option
	logger    *slog.Logger
}

// Option customises a Runner.
type Option func(*Runner)

// WithLedger records runs and files in l.
func WithLedger(l Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithPublisher sends progress events to p.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithStdin replaces the reader used for the "-" input.
func WithStdin(stdin io.Reader) Option {
	return func(r *Runner) { r.stdin = stdin }
}

// WithSinkOptions passes opts to every sink the runner opens.
func WithSinkOptions(opts ...sink.Option) Option {
	return func(r *Runner) { r.sinkOpts = append(r.sinkOpts, opts...) }
}

func New(opts ...Option) *Runner {
	r := &Runner{
		stdin:  os.Stdin,
		logger: log.WithComponent("pipeline"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Transaction validates plan, records a new run and executes it. The result is
// returned even when the run fails.
func (r *Runner) Transaction(ctx context.Context, plan Plan) (*RunResult, error) {
	if err := plan.validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	if r.ledger != nil {
		if _, err := r.ledger.BeginRun(ctx, ledger.BeginRequest{
			ID:         runID,
			Command:    plan.Output.Command,
			Tasks:      plan.Tasks,
			ConfigPath: plan.ConfigPath,
		}); err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
	}

	logger := r.logger.With("run_id", runID)
	logger.Info("run started", "tasks", plan.Tasks, "inputs", len(plan.Inputs))
	r.publish(events.TypeRunStarted, map[string]any{"run_id": runID, "tasks": plan.Tasks})

	start := time.Now()
	reports, runErr := r.Resume(ctx, runID, plan)

	result := &RunResult{RunID: runID, Reports: reports, Duration: time.Since(start)}
	for _, rep := range reports {
		result.Files += rep.Files
		result.Bytes += rep.Bytes
	}

	if r.ledger != nil {
		// Record the outcome even when ctx was cancelled.
		sum := ledger.Summary{Files: result.Files, Bytes: result.Bytes, Err: runErr}
		if err := r.ledger.FinishRun(context.WithoutCancel(ctx), runID, sum); err != nil {
			logger.Warn("failed to record run outcome", "error", err)
		}
	}

	finished := map[string]any{
		"run_id":      runID,
		"files":       result.Files,
		"bytes":       result.Bytes,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if runErr != nil {
		finished["error"] = runErr.Error()
		logger.Error("run failed", "error", runErr, "duration", result.Duration)
	} else {
		logger.Info("run finished", "files", result.Files, "bytes", result.Bytes, "duration", result.Duration)
	}
	r.publish(events.TypeRunFinished, finished)

	r.Cleanup(ctx, runID, reports)
	return result, runErr
}

// Resume executes every task of plan concurrently under runID. The first task
// error cancels the rest and is returned. Reports of committed tasks are
// returned ordered by task index.
func (r *Runner) Resume(ctx context.Context, runID string, plan Plan) ([]sink.TaskReport, error) {
	if err := plan.validate(); err != nil {
		return nil, err
	}

	pool := buffer.NewPool(plan.BufferSize)
	assigned := distribute(plan.Inputs, plan.Tasks)
	committed := make([]*sink.TaskReport, plan.Tasks)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < plan.Tasks; i++ {
		g.Go(func() error {
			rep, err := r.runTask(gctx, runID, i, assigned[i], pool, plan)
			if err != nil {
				return err
			}
			committed[i] = &rep
			return nil
		})
	}
	err := g.Wait()

	reports := make([]sink.TaskReport, 0, plan.Tasks)
	for _, rep := range committed {
		if rep != nil {
			reports = append(reports, *rep)
		}
	}
	return reports, err
}

// Cleanup runs after a transaction. Sinks leave no resumable state, so there
// is nothing to remove.
func (r *Runner) Cleanup(_ context.Context, runID string, reports []sink.TaskReport) {
	r.logger.Debug("cleanup", "run_id", runID, "committed_tasks", len(reports))
}

func (r *Runner) runTask(ctx context.Context, runID string, taskIndex int, paths []string, pool *buffer.Pool, plan Plan) (sink.TaskReport, error) {
	logger := r.logger.With("run_id", runID, "task_index", taskIndex)
	obs := &fileRecorder{
		ctx:       context.WithoutCancel(ctx),
		runID:     runID,
		ledger:    r.ledger,
		publisher: r.publisher,
		logger:    logger,
	}

	opts := append([]sink.Option{sink.WithObserver(obs)}, r.sinkOpts...)
	s, err := sink.Open(plan.Output, taskIndex, opts...)
	if err != nil {
		return sink.TaskReport{}, fmt.Errorf("task %d: %w", taskIndex, err)
	}
	r.publish(events.TypeUnitOpened, map[string]any{"run_id": runID, "task_index": taskIndex, "inputs": len(paths)})

	reader := input.NewReader(pool, plan.SplitBytes, input.WithStdin(r.stdin))
	_, err = reader.Files(ctx, paths, s)
	if err == nil {
		err = s.Finish()
	}
	var rep sink.TaskReport
	if err == nil {
		rep, err = s.Commit()
	}
	if err != nil {
		if abortErr := s.Abort(); abortErr != nil {
			logger.Warn("abort failed", "error", abortErr)
		}
		if closeErr := s.Close(); closeErr != nil {
			logger.Debug("close after abort", "error", closeErr)
		}
		r.publish(events.TypeUnitFailed, map[string]any{"run_id": runID, "task_index": taskIndex, "error": err.Error()})
		return sink.TaskReport{}, fmt.Errorf("task %d: %w", taskIndex, err)
	}

	logger.Info("unit committed", "files", rep.Files, "bytes", rep.Bytes)
	r.publish(events.TypeUnitCommitted, map[string]any{"run_id": runID, "report": rep})
	return rep, nil
}

func (r *Runner) publish(eventType string, data any) {
	if r.publisher != nil {
		r.publisher.Publish(eventType, data)
	}
}

func (p Plan) validate() error {
	if p.Tasks < 1 {
		return &sink.ConfigurationError{Field: "tasks", Reason: "must be positive"}
	}
	return p.Output.Validate()
}

// distribute assigns paths to tasks round-robin.
func distribute(paths []string, tasks int) [][]string {
	out := make([][]string, tasks)
	for i, p := range paths {
		out[i%tasks] = append(out[i%tasks], p)
	}
	return out
}
