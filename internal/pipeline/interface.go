package pipeline

import (
	"context"

	"github.com/mattjoyce/cmdsink/internal/events"
	"github.com/mattjoyce/cmdsink/internal/ledger"
	"github.com/mattjoyce/cmdsink/internal/sink"
)

//go:generate mockgen -destination=mocks/mock_ledger.go -package=mocks github.com/mattjoyce/cmdsink/internal/pipeline Ledger

// Ledger records runs and file invocations for the runner.
type Ledger interface {
	BeginRun(ctx context.Context, req ledger.BeginRequest) (string, error)
	FinishRun(ctx context.Context, runID string, sum ledger.Summary) error
	RecordFileStart(ctx context.Context, runID string, info sink.FileInfo) error
	RecordFileFinish(ctx context.Context, runID string, res sink.FileResult) error
}

// Publisher receives progress events.
type Publisher interface {
	Publish(eventType string, data any) events.Event
}
