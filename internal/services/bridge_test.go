package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soochol/exectrack/internal/exectrack"
	"github.com/soochol/exectrack/internal/repository"
	"github.com/soochol/exectrack/internal/signal"
)

func TestSignalBridge_Handle(t *testing.T) {
	tests := []struct {
		name       string
		sig        exectrack.CompletionSignal
		wantID     string
		wantStatus exectrack.Status
		strategy   exectrack.CorrelationStrategy
	}{
		{
			name:       "success by id",
			sig:        exectrack.CompletionSignal{ExecutionID: "exec-1", Status: exectrack.CompletionSuccess},
			wantID:     "exec-1",
			wantStatus: exectrack.StatusCompleted,
			strategy:   exectrack.CorrelationByID,
		},
		{
			name:       "partial by content",
			sig:        exectrack.CompletionSignal{TaskDescription: "Help me implement a new feature", Status: exectrack.CompletionPartial},
			wantID:     "feature",
			wantStatus: exectrack.StatusCompleted,
			strategy:   exectrack.CorrelationContent,
		},
		{
			name:       "error by time",
			sig:        exectrack.CompletionSignal{Status: exectrack.CompletionError, Summary: "tool crashed"},
			wantID:     "exec-1",
			wantStatus: exectrack.StatusFailed,
			strategy:   exectrack.CorrelationTime,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, nil, RegistryOptions{})
			ctx := context.Background()
			now := time.Now()
			_, err := r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "feature", TaskDescription: "Help me implement a new feature", StartTime: now})
			require.NoError(t, err)
			_, err = r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "exec-1", TaskDescription: "summarize logs", StartTime: now.Add(time.Second)})
			require.NoError(t, err)

			res := NewSignalBridge(r).Handle(ctx, tt.sig)
			require.True(t, res.Matched())
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Equal(t, tt.wantID, res.Execution.ExecutionID)
			assert.Equal(t, tt.wantStatus, res.Execution.Status)
			if tt.wantStatus == exectrack.StatusFailed {
				assert.Equal(t, tt.sig.Summary, res.Execution.Error)
			}
			_, stillActive := r.GetActiveExecution(tt.wantID)
			assert.False(t, stillActive)
		})
	}
}

func TestSignalBridge_NoMatch(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	res := NewSignalBridge(r).Handle(context.Background(), exectrack.CompletionSignal{
		ExecutionID: "ghost",
		Status:      exectrack.CompletionSuccess,
	})
	assert.False(t, res.Matched())
	assert.Equal(t, exectrack.CorrelationNone, res.Strategy)
}

func TestSignalBridge_UnknownStatusIgnored(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	register(t, r, "exec-1", "")

	res := NewSignalBridge(r).Handle(context.Background(), exectrack.CompletionSignal{ExecutionID: "exec-1", Status: "finished"})
	assert.False(t, res.Matched())
	_, ok := r.GetActiveExecution("exec-1")
	assert.True(t, ok)
}

func TestSignalBridge_AttachWithTracker(t *testing.T) {
	ch := signal.NewChannel()
	store := repository.NewMemory()
	r := newTestRegistry(t, store, RegistryOptions{})
	tr := NewExecutionTracker(context.Background(), store, TrackerOptions{})
	NewSignalBridge(r).Attach(ch)
	tr.Attach(ch)

	register(t, r, "exec-1", "Help me implement a new feature")
	ch.Publish(exectrack.CompletionSignal{TaskDescription: "Help me implement a new feature", Status: exectrack.CompletionSuccess})
	// Nothing left to match; the tracker still records it.
	ch.Publish(exectrack.CompletionSignal{ExecutionID: "exec-1", Status: exectrack.CompletionSuccess})

	completed := r.GetCompletedExecutions()
	require.Len(t, completed, 1)
	assert.Equal(t, "exec-1", completed[0].ExecutionID)
	assert.Equal(t, 2, tr.GetCompletionStats().Total)
	assert.Len(t, storedHistory(t, store, DefaultRegistryStorageKey), 1)
	assert.Len(t, storedHistory(t, store, DefaultTrackerStorageKey), 2)
}
