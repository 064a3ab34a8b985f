package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/soochol/exectrack/internal/exectrack"
	"github.com/soochol/exectrack/internal/exectrack/ports"
	"github.com/soochol/exectrack/internal/repository"
	"github.com/soochol/exectrack/internal/signal"
)

var ErrInvalidCompletionStatus = errors.New("invalid completion status")

const (
	DefaultTrackerHistoryLimit = 1000
	DefaultTrackerStorageKey   = "executionTracker.completionHistory"
)

// TrackerOptions configures an ExecutionTracker. Zero fields take the
// package defaults.
type TrackerOptions struct {
	HistoryLimit int
	StorageKey   string
	WriteTimeout time.Duration
}

func (o TrackerOptions) withDefaults() TrackerOptions {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultTrackerHistoryLimit
	}
	if o.StorageKey == "" {
		o.StorageKey = DefaultTrackerStorageKey
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// ExecutionTracker keeps an append-only, bounded log of every completion
// signal received, independent of whether it matched an execution.
type ExecutionTracker struct {
	store repository.KeyValueStore
	opts  TrackerOptions

	mu      sync.Mutex
	history []exectrack.CompletionRecord

	writeMu sync.Mutex
}

var (
	_ ports.CompletionTrackerPort = (*ExecutionTracker)(nil)
	_ ports.HistoryMaintainer     = (*ExecutionTracker)(nil)
)

// NewExecutionTracker creates a tracker and loads its log from store.
func NewExecutionTracker(ctx context.Context, store repository.KeyValueStore, opts TrackerOptions) *ExecutionTracker {
	t := &ExecutionTracker{store: store, opts: opts.withDefaults()}

	data, err := repository.GetOrDefault(ctx, store, t.opts.StorageKey, []byte("[]"))
	if err != nil {
		slog.Warn("tracker: failed to load history", "key", t.opts.StorageKey, "err", err)
		return t
	}
	history := decodeCompletionHistory(t.opts.StorageKey, data)
	if n := len(history) - t.opts.HistoryLimit; n > 0 {
		history = history[n:]
	}
	t.history = history
	return t
}

// RecordCompletion appends a record for sig and persists the log. A zero
// timestamp becomes now and a missing execution id gets a standalone id.
func (t *ExecutionTracker) RecordCompletion(ctx context.Context, sig exectrack.CompletionSignal) (*exectrack.CompletionRecord, error) {
	if !sig.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCompletionStatus, sig.Status)
	}
	rec := exectrack.CompletionRecord{
		ExecutionID:     sig.ExecutionID,
		Status:          sig.Status,
		TaskDescription: sig.TaskDescription,
		Summary:         sig.Summary,
		Timestamp:       sig.Timestamp,
		Metadata:        sig.Metadata.Clone(),
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.ExecutionID == "" {
		rec.ExecutionID = exectrack.GenerateID("standalone")
	}

	t.mu.Lock()
	t.history = append(t.history, rec)
	if n := len(t.history) - t.opts.HistoryLimit; n > 0 {
		t.history = slices.Delete(t.history, 0, n)
	}
	t.mu.Unlock()

	// persist logs its own failures; the record stays in memory either way.
	_ = t.persist(ctx)
	out := cloneRecord(rec)
	return &out, nil
}

func cloneRecord(rec exectrack.CompletionRecord) exectrack.CompletionRecord {
	rec.Metadata = rec.Metadata.Clone()
	return rec
}

func (t *ExecutionTracker) persist(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	data, err := encodeHistory(t.history)
	t.mu.Unlock()
	if err != nil {
		slog.Warn("tracker: failed to encode history", "key", t.opts.StorageKey, "err", err)
		return err
	}
	if err := t.store.Update(ctx, t.opts.StorageKey, data); err != nil {
		slog.Warn("tracker: failed to persist history", "key", t.opts.StorageKey, "err", err)
		return err
	}
	return nil
}

// GetCompletionHistory returns every record, oldest first.
func (t *ExecutionTracker) GetCompletionHistory() []exectrack.CompletionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]exectrack.CompletionRecord, len(t.history))
	for i, rec := range t.history {
		out[i] = cloneRecord(rec)
	}
	return out
}

func (t *ExecutionTracker) GetCompletionStats() exectrack.CompletionStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := exectrack.CompletionStats{Total: len(t.history)}
	for _, rec := range t.history {
		switch rec.Status {
		case exectrack.CompletionSuccess:
			stats.Successful++
		case exectrack.CompletionPartial:
			stats.Partial++
		case exectrack.CompletionError:
			stats.Errors++
		}
	}
	return stats
}

// Attach records every signal published on ch.
func (t *ExecutionTracker) Attach(ch *signal.Channel) *signal.Subscription {
	return ch.Subscribe(func(sig exectrack.CompletionSignal) {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.WriteTimeout)
		defer cancel()
		if _, err := t.RecordCompletion(ctx, sig); err != nil {
			slog.Warn("tracker: dropped signal", "id", sig.ExecutionID, "err", err)
		}
	})
}

// PruneHistory drops records timestamped before the given time.
func (t *ExecutionTracker) PruneHistory(ctx context.Context, before time.Time) int {
	t.mu.Lock()
	n := len(t.history)
	t.history = slices.DeleteFunc(t.history, func(rec exectrack.CompletionRecord) bool {
		return rec.Timestamp.Before(before)
	})
	dropped := n - len(t.history)
	t.mu.Unlock()

	if dropped > 0 {
		slog.Info("tracker: pruned history", "dropped", dropped, "before", before)
		_ = t.persist(ctx)
	}
	return dropped
}

func (t *ExecutionTracker) Flush(ctx context.Context) error {
	return t.persist(ctx)
}
