package exectrack

import (
	"maps"
	"time"
)

// Status represents the lifecycle state of a tracked execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	return s == StatusPending || s == StatusExecuting || s.IsTerminal()
}

// Execution is an in-flight invocation of an external agent or tool.
type Execution struct {
	ExecutionID     string         `json:"executionId"`
	AgentName       string         `json:"agentName"`
	Method          string         `json:"method"`
	TaskDescription string         `json:"taskDescription"`
	StartTime       time.Time      `json:"startTime"`
	Status          Status         `json:"status"`
	OriginalParams  map[string]any `json:"originalParams,omitempty"`
	PromptContext   map[string]any `json:"promptContext,omitempty"`
}

// Clone returns a copy of e whose maps are not shared with e.
func (e *Execution) Clone() *Execution {
	c := *e
	c.OriginalParams = maps.Clone(e.OriginalParams)
	c.PromptContext = maps.Clone(e.PromptContext)
	return &c
}

// CompletedExecution is an execution that reached a terminal status.
type CompletedExecution struct {
	Execution
	EndTime time.Time `json:"endTime"`
	Error   string    `json:"error,omitempty"`
}

// Duration is the wall time between start and the terminal transition.
func (c *CompletedExecution) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}

// Clone returns a deep copy of c.
func (c *CompletedExecution) Clone() *CompletedExecution {
	out := *c
	out.Execution = *c.Execution.Clone()
	return &out
}

// CompletionStatus is the outcome the external runtime reports.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionPartial CompletionStatus = "partial"
	CompletionError   CompletionStatus = "error"
)

// IsValid reports whether s is success, partial or error.
func (s CompletionStatus) IsValid() bool {
	return s == CompletionSuccess || s == CompletionPartial || s == CompletionError
}

// CompletionSignal is what the external runtime emits when it believes an
// execution has finished. ExecutionID is best-effort and often empty.
type CompletionSignal struct {
	ExecutionID     string             `json:"executionId,omitempty"`
	TaskDescription string             `json:"taskDescription"`
	Status          CompletionStatus   `json:"status"`
	Summary         string             `json:"summary"`
	Timestamp       time.Time          `json:"timestamp"`
	Metadata        CompletionMetadata `json:"metadata,omitempty"`
}

// CompletionRecord is an immutable entry in the completion log.
type CompletionRecord struct {
	ExecutionID     string             `json:"executionId"`
	Status          CompletionStatus   `json:"status"`
	TaskDescription string             `json:"taskDescription"`
	Summary         string             `json:"summary"`
	Timestamp       time.Time          `json:"timestamp"`
	Metadata        CompletionMetadata `json:"metadata,omitempty"`
}

// CorrelationStrategy names the rule that matched a signal to an execution.
type CorrelationStrategy string

const (
	CorrelationNone    CorrelationStrategy = "none"
	CorrelationByID    CorrelationStrategy = "id"
	CorrelationContent CorrelationStrategy = "content"
	CorrelationTime    CorrelationStrategy = "time"
)
