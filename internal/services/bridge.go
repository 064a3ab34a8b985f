package services

import (
	"context"
	"log/slog"

	"github.com/soochol/exectrack/internal/exectrack"
	"github.com/soochol/exectrack/internal/exectrack/ports"
	"github.com/soochol/exectrack/internal/signal"
)

// BridgeResult describes what SignalBridge did with one signal.
type BridgeResult struct {
	Strategy  exectrack.CorrelationStrategy
	Execution *exectrack.CompletedExecution // nil when nothing transitioned
}

// Matched reports whether the signal finished an execution.
func (r BridgeResult) Matched() bool { return r.Execution != nil }

// SignalBridge feeds completion signals into the registry: it correlates
// each signal with an active execution and finishes that execution.
type SignalBridge struct {
	registry ports.ExecutionRegistryPort
}

func NewSignalBridge(registry ports.ExecutionRegistryPort) *SignalBridge {
	return &SignalBridge{registry: registry}
}

// Attach handles every signal published on ch.
func (b *SignalBridge) Attach(ch *signal.Channel) *signal.Subscription {
	return ch.Subscribe(func(sig exectrack.CompletionSignal) {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
		defer cancel()
		b.Handle(ctx, sig)
	})
}

// Handle correlates sig and completes or fails the matched execution.
// Signals that match nothing are logged and dropped.
func (b *SignalBridge) Handle(ctx context.Context, sig exectrack.CompletionSignal) BridgeResult {
	if !sig.Status.IsValid() {
		slog.Warn("bridge: ignoring signal with unknown status", "id", sig.ExecutionID, "status", sig.Status)
		return BridgeResult{Strategy: exectrack.CorrelationNone}
	}

	exec, strategy := b.registry.SmartCorrelate(sig.ExecutionID, sig.TaskDescription)
	if exec == nil {
		slog.Info("bridge: no active execution for signal", "id", sig.ExecutionID, "status", sig.Status)
		return BridgeResult{Strategy: strategy}
	}

	var (
		rec *exectrack.CompletedExecution
		ok  bool
	)
	if sig.Status == exectrack.CompletionError {
		rec, ok = b.registry.FailExecution(ctx, exec.ExecutionID, sig.Summary)
	} else {
		rec, ok = b.registry.CompleteExecution(ctx, exec.ExecutionID)
	}
	if !ok {
		// Another transition won between correlation and completion.
		slog.Debug("bridge: execution already finished", "id", exec.ExecutionID, "strategy", strategy)
		return BridgeResult{Strategy: strategy}
	}
	slog.Info("bridge: correlated signal", "id", rec.ExecutionID, "strategy", strategy, "status", rec.Status)
	return BridgeResult{Strategy: strategy, Execution: rec}
}
