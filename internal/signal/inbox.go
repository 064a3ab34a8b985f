package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/soochol/exectrack/internal/exectrack"
)

// RejectedSuffix is appended to inbox files that could not be decoded.
const RejectedSuffix = ".rejected"

// DefaultInboxDebounce is how long a file must stay unchanged before it is read.
const DefaultInboxDebounce = 200 * time.Millisecond

// Inbox watches a directory for completion signals dropped as JSON files.
// Each *.json file is decoded, published on the channel and removed.
type Inbox struct {
	dir      string
	ch       *Channel
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates the directory if needed and prepares a watcher on it. A
// zero debounce uses DefaultInboxDebounce.
func NewInbox(dir string, ch *Channel, debounce time.Duration) (*Inbox, error) {
	if debounce <= 0 {
		debounce = DefaultInboxDebounce
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch inbox dir: %w", err)
	}
	return &Inbox{
		dir:      dir,
		ch:       ch,
		debounce: debounce,
		watcher:  watcher,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string { return in.dir }

// Start processes files already in the directory and begins watching.
func (in *Inbox) Start(ctx context.Context) {
	ctx, in.cancel = context.WithCancel(ctx)

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		slog.Warn("inbox: failed to scan dir", "dir", in.dir, "err", err)
	}
	for _, e := range entries {
		if !e.IsDir() && isSignalFile(e.Name()) {
			in.schedule(filepath.Join(in.dir, e.Name()))
		}
	}

	go func() {
		defer close(in.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-in.watcher.Events:
				if !ok {
					return
				}
				in.handleEvent(event)
			case err, ok := <-in.watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("inbox: watcher error", "dir", in.dir, "err", err)
			}
		}
	}()
	slog.Info("inbox: watching", "dir", in.dir)
}

// Stop ends the watch loop and cancels pending reads. Files not yet read
// stay in the directory for the next start.
func (in *Inbox) Stop() {
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return
	}
	in.stopped = true
	for path, t := range in.pending {
		t.Stop()
		delete(in.pending, path)
	}
	in.mu.Unlock()

	if in.cancel != nil {
		in.cancel()
		<-in.done
	}
	in.watcher.Close()
}

func isSignalFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (in *Inbox) handleEvent(event fsnotify.Event) {
	if !isSignalFile(filepath.Base(event.Name)) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	in.schedule(event.Name)
}

// schedule (re)arms the debounce timer for path, so a file being written is
// read only once it stops changing.
func (in *Inbox) schedule(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped {
		return
	}
	if t, ok := in.pending[path]; ok {
		t.Stop()
	}
	in.pending[path] = time.AfterFunc(in.debounce, func() {
		in.mu.Lock()
		delete(in.pending, path)
		stopped := in.stopped
		in.mu.Unlock()
		if !stopped {
			in.process(path)
		}
	})
}

func (in *Inbox) process(path string) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("inbox: failed to read signal file", "path", path, "err", err)
		return
	}

	sig, err := DecodeSignal(data)
	if err != nil {
		slog.Warn("inbox: rejected signal file", "path", path, "err", err)
		if err := os.Rename(path, path+RejectedSuffix); err != nil {
			slog.Warn("inbox: failed to rename rejected file", "path", path, "err", err)
		}
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Leaving the file would publish it again on the next start.
		slog.Warn("inbox: failed to remove signal file, skipping", "path", path, "err", err)
		return
	}

	slog.Debug("inbox: publishing signal", "path", path, "id", sig.ExecutionID, "status", sig.Status)
	in.ch.Publish(sig)
}

type wireSignal struct {
	ExecutionID     string                       `json:"executionId"`
	TaskDescription string                       `json:"taskDescription"`
	Status          exectrack.CompletionStatus   `json:"status"`
	Summary         string                       `json:"summary"`
	Timestamp       json.RawMessage              `json:"timestamp"`
	Metadata        exectrack.CompletionMetadata `json:"metadata"`
}

// DecodeSignal parses a completion signal from JSON. The timestamp may be an
// ISO-8601 string or a Unix epoch number; a missing one is left zero.
func DecodeSignal(data []byte) (exectrack.CompletionSignal, error) {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return exectrack.CompletionSignal{}, fmt.Errorf("decode signal: %w", err)
	}
	if !w.Status.IsValid() {
		return exectrack.CompletionSignal{}, fmt.Errorf("decode signal: unknown status %q", w.Status)
	}
	sig := exectrack.CompletionSignal{
		ExecutionID:     w.ExecutionID,
		TaskDescription: w.TaskDescription,
		Status:          w.Status,
		Summary:         w.Summary,
		Metadata:        w.Metadata,
	}
	if len(w.Timestamp) > 0 && string(w.Timestamp) != "null" {
		ts, ok := exectrack.ParseTimestamp(w.Timestamp)
		if !ok {
			return exectrack.CompletionSignal{}, fmt.Errorf("decode signal: invalid timestamp %s", w.Timestamp)
		}
		sig.Timestamp = ts
	}
	return sig, nil
}
