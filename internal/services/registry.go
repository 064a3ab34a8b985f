package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/soochol/exectrack/internal/exectrack"
	"github.com/soochol/exectrack/internal/exectrack/ports"
	"github.com/soochol/exectrack/internal/repository"
)

var (
	ErrInvalidExecution   = errors.New("invalid execution")
	ErrDuplicateExecution = errors.New("execution already active")
	ErrRegistryDisposed   = errors.New("execution registry disposed")
)

const (
	DefaultExecutionTimeout     = 30 * time.Minute
	DefaultRegistryHistoryLimit = 100
	DefaultSimilarityThreshold  = 0.4
	DefaultRegistryStorageKey   = "executionRegistry.completedExecutions"
	DefaultWriteTimeout         = 5 * time.Second
)

// RegistryOptions configures an ExecutionRegistry. Zero fields take the
// package defaults.
type RegistryOptions struct {
	Timeout             time.Duration
	HistoryLimit        int
	SimilarityThreshold float64
	StorageKey          string
	// WriteTimeout bounds persistence performed from timer callbacks, which
	// have no caller context.
	WriteTimeout time.Duration
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultExecutionTimeout
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultRegistryHistoryLimit
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if o.StorageKey == "" {
		o.StorageKey = DefaultRegistryStorageKey
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// activeEntry is the registry-owned state for one in-flight execution. The
// timer never leaves this struct.
type activeEntry struct {
	exec  *exectrack.Execution
	timer *time.Timer
}

// ExecutionRegistry tracks in-flight executions, arms their timeouts and
// keeps a bounded history of the ones that finished.
type ExecutionRegistry struct {
	store repository.KeyValueStore
	opts  RegistryOptions

	mu       sync.Mutex
	active   map[string]*activeEntry
	order    []string // active ids in registration order
	history  []*exectrack.CompletedExecution
	disposed bool

	// writeMu serializes persistence so a newer snapshot is never
	// overwritten by an older one.
	writeMu sync.Mutex
}

var (
	_ ports.ExecutionRegistryPort = (*ExecutionRegistry)(nil)
	_ ports.HistoryMaintainer     = (*ExecutionRegistry)(nil)
)

// NewExecutionRegistry creates a registry and loads its completed history
// from store. A storage failure is logged and the registry starts empty.
func NewExecutionRegistry(ctx context.Context, store repository.KeyValueStore, opts RegistryOptions) *ExecutionRegistry {
	r := &ExecutionRegistry{
		store:  store,
		opts:   opts.withDefaults(),
		active: make(map[string]*activeEntry),
	}
	r.load(ctx)
	return r
}

func (r *ExecutionRegistry) load(ctx context.Context) {
	data, err := repository.GetOrDefault(ctx, r.store, r.opts.StorageKey, []byte("[]"))
	if err != nil {
		slog.Warn("registry: failed to load history", "key", r.opts.StorageKey, "err", err)
		return
	}
	history := decodeExecutionHistory(r.opts.StorageKey, data)
	if n := len(history) - r.opts.HistoryLimit; n > 0 {
		history = history[n:]
	}
	r.history = history
	slog.Debug("registry: loaded history", "key", r.opts.StorageKey, "count", len(history))
}

// RegisterExecution adds exec to the active set and arms its timeout. An
// empty status becomes pending and a zero start time becomes now.
func (r *ExecutionRegistry) RegisterExecution(ctx context.Context, exec *exectrack.Execution) (*exectrack.Execution, error) {
	if exec == nil || strings.TrimSpace(exec.ExecutionID) == "" {
		return nil, fmt.Errorf("%w: execution id is required", ErrInvalidExecution)
	}
	stored := exec.Clone()
	switch stored.Status {
	case "":
		stored.Status = exectrack.StatusPending
	case exectrack.StatusPending, exectrack.StatusExecuting:
	default:
		return nil, fmt.Errorf("%w: cannot register with status %q", ErrInvalidExecution, stored.Status)
	}
	if stored.StartTime.IsZero() {
		stored.StartTime = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, ErrRegistryDisposed
	}
	if _, ok := r.active[stored.ExecutionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExecution, stored.ExecutionID)
	}

	entry := &activeEntry{exec: stored}
	entry.timer = time.AfterFunc(r.opts.Timeout, func() {
		r.timeoutExecution(entry)
	})
	r.active[stored.ExecutionID] = entry
	r.order = append(r.order, stored.ExecutionID)

	slog.Info("registry: execution registered", "id", stored.ExecutionID, "agent", stored.AgentName, "timeout", r.opts.Timeout)
	return stored.Clone(), nil
}

// MarkExecuting moves a pending execution to executing. It returns false for
// unknown ids and for executions that are already executing.
func (r *ExecutionRegistry) MarkExecuting(id string) (*exectrack.Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.active[id]
	if !ok {
		return nil, false
	}
	if entry.exec.Status != exectrack.StatusPending {
		return entry.exec.Clone(), false
	}
	entry.exec.Status = exectrack.StatusExecuting
	return entry.exec.Clone(), true
}

func (r *ExecutionRegistry) CompleteExecution(ctx context.Context, id string) (*exectrack.CompletedExecution, bool) {
	return r.finish(ctx, id, nil, exectrack.StatusCompleted, "")
}

func (r *ExecutionRegistry) FailExecution(ctx context.Context, id, reason string) (*exectrack.CompletedExecution, bool) {
	return r.finish(ctx, id, nil, exectrack.StatusFailed, reason)
}

func (r *ExecutionRegistry) CancelExecution(ctx context.Context, id string) bool {
	_, ok := r.finish(ctx, id, nil, exectrack.StatusCancelled, "")
	return ok
}

// timeoutExecution is the timer callback. It only acts if entry is still the
// active entry for its id and the registry has not been disposed.
func (r *ExecutionRegistry) timeoutExecution(entry *activeEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	id := entry.exec.ExecutionID
	if _, ok := r.finish(ctx, id, entry, exectrack.StatusTimeout, "execution timed out"); ok {
		slog.Warn("registry: execution timed out", "id", id, "after", r.opts.Timeout)
	}
}

// finish performs a terminal transition. When expect is non-nil the
// transition only happens if expect is still the entry registered for id.
func (r *ExecutionRegistry) finish(ctx context.Context, id string, expect *activeEntry, status exectrack.Status, reason string) (*exectrack.CompletedExecution, bool) {
	r.mu.Lock()
	entry, ok := r.active[id]
	if !ok || r.disposed || (expect != nil && entry != expect) {
		r.mu.Unlock()
		return nil, false
	}
	entry.timer.Stop()
	r.removeActiveLocked(id)

	rec := &exectrack.CompletedExecution{
		Execution: *entry.exec,
		EndTime:   time.Now(),
		Error:     reason,
	}
	rec.Status = status
	r.appendHistoryLocked(rec)
	out := rec.Clone()
	r.mu.Unlock()

	slog.Info("registry: execution finished", "id", id, "status", status, "duration", out.Duration())
	// persist logs its own failures; the transition stands either way.
	_ = r.persist(ctx)
	return out, true
}

func (r *ExecutionRegistry) removeActiveLocked(id string) {
	delete(r.active, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// appendHistoryLocked adds rec and evicts the oldest entries past the limit.
func (r *ExecutionRegistry) appendHistoryLocked(rec *exectrack.CompletedExecution) {
	r.history = append(r.history, rec)
	if n := len(r.history) - r.opts.HistoryLimit; n > 0 {
		clear(r.history[:n])
		r.history = r.history[n:]
	}
}

// persist writes the current history. Failures are logged and the in-memory
// state is kept.
func (r *ExecutionRegistry) persist(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	data, err := encodeHistory(r.history)
	r.mu.Unlock()
	if err != nil {
		slog.Warn("registry: failed to encode history", "key", r.opts.StorageKey, "err", err)
		return err
	}
	if err := r.store.Update(ctx, r.opts.StorageKey, data); err != nil {
		slog.Warn("registry: failed to persist history", "key", r.opts.StorageKey, "err", err)
		return err
	}
	return nil
}

// CorrelateByExecutionID returns the active execution with id, or nil.
func (r *ExecutionRegistry) CorrelateByExecutionID(id string) *exectrack.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.active[id]; ok {
		return entry.exec.Clone()
	}
	return nil
}

// CorrelateByTime returns the most recently started active execution. Equal
// start times resolve to the one registered last.
func (r *ExecutionRegistry) CorrelateByTime() *exectrack.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *exectrack.Execution
	for _, id := range r.order {
		exec := r.active[id].exec
		if best == nil || !exec.StartTime.Before(best.StartTime) {
			best = exec
		}
	}
	if best == nil {
		return nil
	}
	return best.Clone()
}

// CorrelateByContent returns the active execution whose task description is
// most similar to text, provided the score reaches the similarity
// threshold. Equal scores resolve to the one registered first.
func (r *ExecutionRegistry) CorrelateByContent(text string) *exectrack.Execution {
	query := tokenSet(text)
	if len(query) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best      *exectrack.Execution
		bestScore float64
	)
	for _, id := range r.order {
		exec := r.active[id].exec
		score := 1.0
		if exec.TaskDescription != text {
			score = setSimilarity(query, tokenSet(exec.TaskDescription))
		}
		if score >= r.opts.SimilarityThreshold && score > bestScore {
			best, bestScore = exec, score
		}
	}
	if best == nil {
		return nil
	}
	return best.Clone()
}

// SmartCorrelate tries the execution id, then the content, then the start
// time, and reports which strategy matched.
func (r *ExecutionRegistry) SmartCorrelate(executionID, content string) (*exectrack.Execution, exectrack.CorrelationStrategy) {
	if executionID != "" {
		if exec := r.CorrelateByExecutionID(executionID); exec != nil {
			return exec, exectrack.CorrelationByID
		}
	}
	if strings.TrimSpace(content) != "" {
		if exec := r.CorrelateByContent(content); exec != nil {
			return exec, exectrack.CorrelationContent
		}
	}
	if exec := r.CorrelateByTime(); exec != nil {
		return exec, exectrack.CorrelationTime
	}
	return nil, exectrack.CorrelationNone
}

// GetStatistics counts active executions and history entries by status. The
// average duration covers completed entries only.
func (r *ExecutionRegistry) GetStatistics() exectrack.ExecutionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := exectrack.ExecutionStats{Active: len(r.active)}
	var total time.Duration
	for _, rec := range r.history {
		switch rec.Status {
		case exectrack.StatusCompleted:
			stats.Completed++
			total += rec.Duration()
		case exectrack.StatusFailed:
			stats.Failed++
		case exectrack.StatusCancelled:
			stats.Cancelled++
		case exectrack.StatusTimeout:
			stats.Timeout++
		}
	}
	if stats.Completed > 0 {
		stats.AverageDuration = total / time.Duration(stats.Completed)
	}
	return stats
}

// GetActiveExecution returns a copy of the active execution with id.
func (r *ExecutionRegistry) GetActiveExecution(id string) (*exectrack.Execution, bool) {
	exec := r.CorrelateByExecutionID(id)
	return exec, exec != nil
}

// GetActiveExecutions returns copies of the active executions in
// registration order.
func (r *ExecutionRegistry) GetActiveExecutions() []*exectrack.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*exectrack.Execution, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.active[id].exec.Clone())
	}
	return out
}

// GetCompletedExecutions returns copies of the history, oldest first.
func (r *ExecutionRegistry) GetCompletedExecutions() []*exectrack.CompletedExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*exectrack.CompletedExecution, len(r.history))
	for i, rec := range r.history {
		out[i] = rec.Clone()
	}
	return out
}

// ClearHistory empties the completed history and persists the empty list.
func (r *ExecutionRegistry) ClearHistory(ctx context.Context) {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
	_ = r.persist(ctx) // logged; memory stays authoritative
}

// PruneHistory drops history entries that ended before the given time and
// returns how many were dropped.
func (r *ExecutionRegistry) PruneHistory(ctx context.Context, before time.Time) int {
	r.mu.Lock()
	n := len(r.history)
	r.history = slices.DeleteFunc(r.history, func(rec *exectrack.CompletedExecution) bool {
		return rec.EndTime.Before(before)
	})
	dropped := n - len(r.history)
	r.mu.Unlock()

	if dropped > 0 {
		slog.Info("registry: pruned history", "dropped", dropped, "before", before)
		_ = r.persist(ctx)
	}
	return dropped
}

// Flush writes the current history to the store.
func (r *ExecutionRegistry) Flush(ctx context.Context) error {
	return r.persist(ctx)
}

// Dispose stops every timer, drops the active set and flushes the history.
// Timer callbacks already in flight see the disposed flag and do nothing.
// Later calls are no-ops.
func (r *ExecutionRegistry) Dispose(ctx context.Context) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	for _, entry := range r.active {
		entry.timer.Stop()
	}
	abandoned := len(r.active)
	r.active = make(map[string]*activeEntry)
	r.order = nil
	r.mu.Unlock()

	slog.Info("registry: disposed", "abandoned", abandoned)
	_ = r.persist(ctx)
}
