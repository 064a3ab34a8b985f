package ports

import (
	"context"
	"time"

	"github.com/soochol/exectrack/internal/exectrack"
)

// ExecutionRegistryPort is the interface for tracking in-flight executions
// and correlating completion signals with them.
// Callers should depend on this interface rather than *services.ExecutionRegistry.
type ExecutionRegistryPort interface {
	RegisterExecution(ctx context.Context, exec *exectrack.Execution) (*exectrack.Execution, error)
	MarkExecuting(id string) (*exectrack.Execution, bool)
	CompleteExecution(ctx context.Context, id string) (*exectrack.CompletedExecution, bool)
	FailExecution(ctx context.Context, id, reason string) (*exectrack.CompletedExecution, bool)
	CancelExecution(ctx context.Context, id string) bool

	SmartCorrelate(executionID, content string) (*exectrack.Execution, exectrack.CorrelationStrategy)

	GetActiveExecution(id string) (*exectrack.Execution, bool)
	GetActiveExecutions() []*exectrack.Execution
	GetCompletedExecutions() []*exectrack.CompletedExecution
	GetStatistics() exectrack.ExecutionStats
	ClearHistory(ctx context.Context)
}

// CompletionTrackerPort is the interface for the append-only completion log.
type CompletionTrackerPort interface {
	RecordCompletion(ctx context.Context, sig exectrack.CompletionSignal) (*exectrack.CompletionRecord, error)
	GetCompletionHistory() []exectrack.CompletionRecord
	GetCompletionStats() exectrack.CompletionStats
}

// HistoryMaintainer is implemented by components whose bounded history can be
// flushed to storage and pruned by age.
type HistoryMaintainer interface {
	Flush(ctx context.Context) error
	PruneHistory(ctx context.Context, before time.Time) int
}
