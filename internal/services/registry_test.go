package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soochol/exectrack/internal/exectrack"
	"github.com/soochol/exectrack/internal/repository"
)

// failingStore fails every call.
type failingStore struct {
	err     error
	updates atomic.Int32
}

func (s *failingStore) Get(context.Context, string) ([]byte, error) { return nil, s.err }
func (s *failingStore) Update(context.Context, string, []byte) error {
	s.updates.Add(1)
	return s.err
}
func (s *failingStore) Close() error { return nil }

func newTestRegistry(t *testing.T, store repository.KeyValueStore, opts RegistryOptions) *ExecutionRegistry {
	t.Helper()
	if store == nil {
		store = repository.NewMemory()
	}
	r := NewExecutionRegistry(context.Background(), store, opts)
	t.Cleanup(func() { r.Dispose(context.Background()) })
	return r
}

func register(t *testing.T, r *ExecutionRegistry, id, task string) *exectrack.Execution {
	t.Helper()
	exec, err := r.RegisterExecution(context.Background(), &exectrack.Execution{
		ExecutionID:     id,
		AgentName:       "coder",
		Method:          "run",
		TaskDescription: task,
	})
	require.NoError(t, err)
	return exec
}

func storedHistory(t *testing.T, store repository.KeyValueStore, key string) []map[string]any {
	t.Helper()
	data, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRegisterExecution_Defaults(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	before := time.Now()

	exec := register(t, r, "exec-1", "write tests")
	assert.Equal(t, exectrack.StatusPending, exec.Status)
	assert.False(t, exec.StartTime.Before(before))

	got, ok := r.GetActiveExecution("exec-1")
	require.True(t, ok)
	assert.Equal(t, "write tests", got.TaskDescription)
}

func TestRegisterExecution_Validation(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	ctx := context.Background()

	_, err := r.RegisterExecution(ctx, &exectrack.Execution{})
	assert.ErrorIs(t, err, ErrInvalidExecution)

	_, err = r.RegisterExecution(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidExecution)

	_, err = r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "x", Status: exectrack.StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidExecution)

	register(t, r, "dup", "")
	_, err = r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateExecution)

	_, err = r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "running", Status: exectrack.StatusExecuting})
	assert.NoError(t, err)
}

func TestRegisterExecution_CopiesInput(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	in := &exectrack.Execution{ExecutionID: "e", OriginalParams: map[string]any{"k": "v"}}
	_, err := r.RegisterExecution(context.Background(), in)
	require.NoError(t, err)

	in.OriginalParams["k"] = "changed"
	got, _ := r.GetActiveExecution("e")
	assert.Equal(t, "v", got.OriginalParams["k"])
}

func TestCompleteExecution(t *testing.T) {
	store := repository.NewMemory()
	r := newTestRegistry(t, store, RegistryOptions{})
	ctx := context.Background()
	register(t, r, "exec-1", "build the thing")

	rec, ok := r.CompleteExecution(ctx, "exec-1")
	require.True(t, ok)
	assert.Equal(t, exectrack.StatusCompleted, rec.Status)
	assert.False(t, rec.EndTime.Before(rec.StartTime))

	assert.Empty(t, r.GetActiveExecutions())
	completed := r.GetCompletedExecutions()
	require.Len(t, completed, 1)
	assert.Equal(t, "exec-1", completed[0].ExecutionID)

	persisted := storedHistory(t, store, DefaultRegistryStorageKey)
	require.Len(t, persisted, 1)
	assert.Equal(t, "completed", persisted[0]["status"])
	assert.IsType(t, "", persisted[0]["startTime"])
}

func TestTerminalTransitions_Once(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	ctx := context.Background()
	register(t, r, "exec-1", "")

	_, ok := r.FailExecution(ctx, "exec-1", "boom")
	require.True(t, ok)

	_, ok = r.CompleteExecution(ctx, "exec-1")
	assert.False(t, ok)
	_, ok = r.FailExecution(ctx, "exec-1", "again")
	assert.False(t, ok)
	assert.False(t, r.CancelExecution(ctx, "exec-1"))

	completed := r.GetCompletedExecutions()
	require.Len(t, completed, 1)
	assert.Equal(t, exectrack.StatusFailed, completed[0].Status)
	assert.Equal(t, "boom", completed[0].Error)
}

func TestTerminalTransitions_UnknownID(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	ctx := context.Background()

	rec, ok := r.CompleteExecution(ctx, "nope")
	assert.Nil(t, rec)
	assert.False(t, ok)
	assert.False(t, r.CancelExecution(ctx, "nope"))
	_, ok = r.MarkExecuting("nope")
	assert.False(t, ok)
	assert.Empty(t, r.GetCompletedExecutions())
}

func TestTerminalTransitions_ConcurrentCallersSeeOneWinner(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{Timeout: 5 * time.Millisecond})
	ctx := context.Background()
	register(t, r, "race", "")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			switch i % 3 {
			case 0:
				_, ok = r.CompleteExecution(ctx, "race")
			case 1:
				_, ok = r.FailExecution(ctx, "race", "x")
			default:
				ok = r.CancelExecution(ctx, "race")
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)

	completed := r.GetCompletedExecutions()
	require.Len(t, completed, 1)
	if completed[0].Status == exectrack.StatusTimeout {
		assert.Zero(t, wins.Load())
	} else {
		assert.Equal(t, int32(1), wins.Load())
	}
}

func TestMarkExecuting(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	register(t, r, "e", "")

	exec, ok := r.MarkExecuting("e")
	require.True(t, ok)
	assert.Equal(t, exectrack.StatusExecuting, exec.Status)

	exec, ok = r.MarkExecuting("e")
	assert.False(t, ok)
	assert.Equal(t, exectrack.StatusExecuting, exec.Status)
}

func TestTimeoutExecution(t *testing.T) {
	store := repository.NewMemory()
	r := newTestRegistry(t, store, RegistryOptions{Timeout: 20 * time.Millisecond})
	register(t, r, "slow", "")

	require.Eventually(t, func() bool {
		return len(r.GetCompletedExecutions()) == 1
	}, time.Second, 5*time.Millisecond)

	rec := r.GetCompletedExecutions()[0]
	assert.Equal(t, exectrack.StatusTimeout, rec.Status)
	assert.Equal(t, "execution timed out", rec.Error)
	assert.Empty(t, r.GetActiveExecutions())
	assert.Equal(t, 1, r.GetStatistics().Timeout)

	require.Eventually(t, func() bool {
		data, err := store.Get(context.Background(), DefaultRegistryStorageKey)
		return err == nil && len(data) > 2
	}, time.Second, 5*time.Millisecond)
}

func TestTimeoutExecution_CompletionWins(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{Timeout: 30 * time.Millisecond})
	register(t, r, "fast", "")

	_, ok := r.CompleteExecution(context.Background(), "fast")
	require.True(t, ok)
	time.Sleep(80 * time.Millisecond)

	completed := r.GetCompletedExecutions()
	require.Len(t, completed, 1)
	assert.Equal(t, exectrack.StatusCompleted, completed[0].Status)
}

func TestTimeoutExecution_StaleTimerIgnoresReregisteredID(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{Timeout: time.Hour})
	register(t, r, "e", "")

	r.mu.Lock()
	stale := r.active["e"]
	r.mu.Unlock()

	_, ok := r.CompleteExecution(context.Background(), "e")
	require.True(t, ok)
	register(t, r, "e", "second run")

	r.timeoutExecution(stale)
	_, ok = r.GetActiveExecution("e")
	assert.True(t, ok)
	assert.Len(t, r.GetCompletedExecutions(), 1)
}

func TestDispose(t *testing.T) {
	store := repository.NewMemory()
	r := NewExecutionRegistry(context.Background(), store, RegistryOptions{Timeout: 20 * time.Millisecond})
	register(t, r, "a", "")
	register(t, r, "b", "")

	r.Dispose(context.Background())
	time.Sleep(60 * time.Millisecond)

	assert.Empty(t, r.GetActiveExecutions())
	assert.Empty(t, r.GetCompletedExecutions())
	assert.Equal(t, exectrack.ExecutionStats{}, r.GetStatistics())

	_, err := r.RegisterExecution(context.Background(), &exectrack.Execution{ExecutionID: "c"})
	assert.ErrorIs(t, err, ErrRegistryDisposed)

	// Idempotent.
	r.Dispose(context.Background())

	data, err := store.Get(context.Background(), DefaultRegistryStorageKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestDispose_InFlightTimerDoesNothing(t *testing.T) {
	r := NewExecutionRegistry(context.Background(), repository.NewMemory(), RegistryOptions{Timeout: time.Hour})
	register(t, r, "a", "")

	r.mu.Lock()
	entry := r.active["a"]
	r.mu.Unlock()

	r.Dispose(context.Background())
	r.timeoutExecution(entry)
	assert.Empty(t, r.GetCompletedExecutions())
}

func TestHistoryLimit(t *testing.T) {
	store := repository.NewMemory()
	r := newTestRegistry(t, store, RegistryOptions{})
	ctx := context.Background()

	for i := range 105 {
		id := fmt.Sprintf("limit-test-%d", i)
		register(t, r, id, "")
		_, ok := r.CompleteExecution(ctx, id)
		require.True(t, ok)
	}

	completed := r.GetCompletedExecutions()
	require.Len(t, completed, 100)
	assert.Equal(t, "limit-test-5", completed[0].ExecutionID)
	assert.Equal(t, "limit-test-104", completed[99].ExecutionID)
	for _, rec := range completed {
		for i := range 5 {
			assert.NotEqual(t, fmt.Sprintf("limit-test-%d", i), rec.ExecutionID)
		}
	}
	assert.Len(t, storedHistory(t, store, DefaultRegistryStorageKey), 100)
}

func TestCorrelateByExecutionID(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	register(t, r, "exec-1", "")

	got := r.CorrelateByExecutionID("exec-1")
	require.NotNil(t, got)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Nil(t, r.CorrelateByExecutionID("exec-2"))
}

func TestCorrelateByContent(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	register(t, r, "feature", "Help me implement a new feature")
	register(t, r, "bug", "Fix the database migration bug")

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"verbatim", "Help me implement a new feature", "feature"},
		{"case and spacing", "  help ME implement   a NEW feature ", "feature"},
		{"partial overlap", "please implement the new login feature", "feature"},
		{"other task", "the database migration has a bug", "bug"},
		{"below threshold", "deploy kubernetes cluster", ""},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.CorrelateByContent(tt.query)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ExecutionID)
		})
	}
}

func TestCorrelateByContent_TieGoesToEarlier(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	register(t, r, "first", "refactor the parser")
	register(t, r, "second", "refactor the parser")

	got := r.CorrelateByContent("refactor the parser")
	require.NotNil(t, got)
	assert.Equal(t, "first", got.ExecutionID)
}

func TestCorrelateByContent_Threshold(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{SimilarityThreshold: 0.9})
	register(t, r, "feature", "Help me implement a new feature")

	assert.Nil(t, r.CorrelateByContent("please implement the new login feature"))
	assert.NotNil(t, r.CorrelateByContent("Help me implement a new feature"))
}

func TestCorrelateByTime(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	ctx := context.Background()
	assert.Nil(t, r.CorrelateByTime())

	base := time.Now()
	_, err := r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "B", StartTime: base.Add(100 * time.Millisecond)})
	require.NoError(t, err)
	_, err = r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "A", StartTime: base})
	require.NoError(t, err)

	got := r.CorrelateByTime()
	require.NotNil(t, got)
	assert.Equal(t, "B", got.ExecutionID)
}

func TestCorrelateByTime_TieGoesToLater(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	ctx := context.Background()
	at := time.Now()
	for _, id := range []string{"one", "two"} {
		_, err := r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: id, StartTime: at})
		require.NoError(t, err)
	}
	assert.Equal(t, "two", r.CorrelateByTime().ExecutionID)
}

func TestSmartCorrelate(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	ctx := context.Background()

	exec, strategy := r.SmartCorrelate("", "anything")
	assert.Nil(t, exec)
	assert.Equal(t, exectrack.CorrelationNone, strategy)

	base := time.Now()
	_, err := r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "by-id", TaskDescription: "write the changelog", StartTime: base})
	require.NoError(t, err)
	_, err = r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "by-content", TaskDescription: "Help me implement a new feature", StartTime: base.Add(time.Millisecond)})
	require.NoError(t, err)
	_, err = r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: "latest", TaskDescription: "unrelated", StartTime: base.Add(time.Second)})
	require.NoError(t, err)

	tests := []struct {
		name     string
		id       string
		content  string
		wantID   string
		strategy exectrack.CorrelationStrategy
	}{
		{"id beats content", "by-id", "Help me implement a new feature", "by-id", exectrack.CorrelationByID},
		{"unknown id falls to content", "missing", "Help me implement a new feature", "by-content", exectrack.CorrelationContent},
		{"content only", "", "implement new feature please", "by-content", exectrack.CorrelationContent},
		{"no match falls to time", "", "zzz qqq", "latest", exectrack.CorrelationTime},
		{"nothing given", "", "", "latest", exectrack.CorrelationTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, strategy := r.SmartCorrelate(tt.id, tt.content)
			require.NotNil(t, exec)
			assert.Equal(t, tt.wantID, exec.ExecutionID)
			assert.Equal(t, tt.strategy, strategy)
		})
	}
}

func TestGetStatistics(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	ctx := context.Background()
	assert.Equal(t, exectrack.ExecutionStats{}, r.GetStatistics())

	now := time.Now()
	for id, age := range map[string]time.Duration{"two": 2 * time.Second, "four": 4 * time.Second} {
		_, err := r.RegisterExecution(ctx, &exectrack.Execution{ExecutionID: id, StartTime: now.Add(-age)})
		require.NoError(t, err)
		_, ok := r.CompleteExecution(ctx, id)
		require.True(t, ok)
	}
	register(t, r, "failed", "")
	r.FailExecution(ctx, "failed", "x")
	register(t, r, "cancelled", "")
	r.CancelExecution(ctx, "cancelled")
	register(t, r, "active", "")

	stats := r.GetStatistics()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0, stats.Timeout)
	assert.InDelta(t, float64(3*time.Second), float64(stats.AverageDuration), float64(500*time.Millisecond))
}

func TestRegistryPersistence_RoundTrip(t *testing.T) {
	store := repository.NewMemory()
	ctx := context.Background()

	first := NewExecutionRegistry(ctx, store, RegistryOptions{})
	_, err := first.RegisterExecution(ctx, &exectrack.Execution{
		ExecutionID:     "rt-1",
		AgentName:       "coder",
		TaskDescription: "round trip",
		OriginalParams:  map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)
	first.CompleteExecution(ctx, "rt-1")
	register(t, first, "rt-2", "")
	first.FailExecution(ctx, "rt-2", "broken")
	want := first.GetCompletedExecutions()
	first.Dispose(ctx)

	second := newTestRegistry(t, store, RegistryOptions{})
	got := second.GetCompletedExecutions()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ExecutionID, got[i].ExecutionID)
		assert.Equal(t, want[i].Status, got[i].Status)
		assert.Equal(t, want[i].Error, got[i].Error)
		assert.Equal(t, want[i].OriginalParams, got[i].OriginalParams)
		assert.True(t, want[i].StartTime.Equal(got[i].StartTime), "start time")
		assert.True(t, want[i].EndTime.Equal(got[i].EndTime), "end time")
	}
}

func TestRegistryPersistence_LoadTrimsToLimit(t *testing.T) {
	store := repository.NewMemory()
	ctx := context.Background()
	first := NewExecutionRegistry(ctx, store, RegistryOptions{})
	for i := range 10 {
		id := fmt.Sprintf("e-%d", i)
		register(t, first, id, "")
		first.CompleteExecution(ctx, id)
	}
	first.Dispose(ctx)

	second := newTestRegistry(t, store, RegistryOptions{HistoryLimit: 3})
	got := second.GetCompletedExecutions()
	require.Len(t, got, 3)
	assert.Equal(t, "e-7", got[0].ExecutionID)
	assert.Equal(t, "e-9", got[2].ExecutionID)
}

func TestRegistryPersistence_StorageFailure(t *testing.T) {
	store := &failingStore{err: errors.New("disk on fire")}
	r := newTestRegistry(t, store, RegistryOptions{})
	ctx := context.Background()

	register(t, r, "e", "")
	_, ok := r.CompleteExecution(ctx, "e")
	require.True(t, ok)

	assert.Len(t, r.GetCompletedExecutions(), 1)
	assert.Equal(t, 1, r.GetStatistics().Completed)
	assert.Error(t, r.Flush(ctx))
	assert.GreaterOrEqual(t, store.updates.Load(), int32(2))
}

func TestClearHistory(t *testing.T) {
	store := repository.NewMemory()
	r := newTestRegistry(t, store, RegistryOptions{})
	ctx := context.Background()
	register(t, r, "e", "")
	r.CompleteExecution(ctx, "e")

	r.ClearHistory(ctx)
	assert.Empty(t, r.GetCompletedExecutions())
	data, err := store.Get(ctx, DefaultRegistryStorageKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestRegistryPruneHistory(t *testing.T) {
	r := newTestRegistry(t, nil, RegistryOptions{})
	ctx := context.Background()
	register(t, r, "old", "")
	r.CompleteExecution(ctx, "old")
	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	register(t, r, "new", "")
	r.CompleteExecution(ctx, "new")

	assert.Equal(t, 1, r.PruneHistory(ctx, cutoff))
	completed := r.GetCompletedExecutions()
	require.Len(t, completed, 1)
	assert.Equal(t, "new", completed[0].ExecutionID)
	assert.Zero(t, r.PruneHistory(ctx, cutoff))
}
