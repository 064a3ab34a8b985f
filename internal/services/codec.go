package services

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/soochol/exectrack/internal/exectrack"
)

// storedExecution mirrors exectrack.CompletedExecution with loosely typed
// timestamps so histories written by older versions still load.
type storedExecution struct {
	ExecutionID     string           `json:"executionId"`
	AgentName       string           `json:"agentName"`
	Method          string           `json:"method"`
	TaskDescription string           `json:"taskDescription"`
	StartTime       json.RawMessage  `json:"startTime"`
	EndTime         json.RawMessage  `json:"endTime"`
	Status          exectrack.Status `json:"status"`
	OriginalParams  map[string]any   `json:"originalParams"`
	PromptContext   map[string]any   `json:"promptContext"`
	Error           any              `json:"error"`
}

type storedRecord struct {
	ExecutionID     string                     `json:"executionId"`
	Status          exectrack.CompletionStatus `json:"status"`
	TaskDescription string                     `json:"taskDescription"`
	Summary         string                     `json:"summary"`
	Timestamp       json.RawMessage            `json:"timestamp"`
	Metadata        json.RawMessage            `json:"metadata"`
}

// splitArray decodes data as a JSON array. A payload that is not an array
// yields no elements and a warning.
func splitArray(component, key string, data []byte) []json.RawMessage {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		slog.Warn(component+": stored history is not a JSON array, starting empty", "key", key, "err", err)
		return nil
	}
	return items
}

// decodeExecutionHistory parses a persisted registry history. Entries that
// can't be recovered are skipped.
func decodeExecutionHistory(key string, data []byte) []*exectrack.CompletedExecution {
	items := splitArray("registry", key, data)
	out := make([]*exectrack.CompletedExecution, 0, len(items))
	skipped := 0
	for _, raw := range items {
		rec, ok := decodeExecution(raw)
		if !ok {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	if skipped > 0 {
		slog.Warn("registry: skipped malformed history entries", "key", key, "count", skipped)
	}
	return out
}

func decodeExecution(raw json.RawMessage) (*exectrack.CompletedExecution, bool) {
	var s storedExecution
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	if s.ExecutionID == "" || !s.Status.IsTerminal() {
		return nil, false
	}
	start, ok := exectrack.ParseTimestamp(s.StartTime)
	if !ok {
		return nil, false
	}
	end, ok := exectrack.ParseTimestamp(s.EndTime)
	if !ok {
		end = start
	}

	rec := &exectrack.CompletedExecution{
		Execution: exectrack.Execution{
			ExecutionID:     s.ExecutionID,
			AgentName:       s.AgentName,
			Method:          s.Method,
			TaskDescription: s.TaskDescription,
			StartTime:       start,
			Status:          s.Status,
			OriginalParams:  s.OriginalParams,
			PromptContext:   s.PromptContext,
		},
		EndTime: end,
	}
	switch e := s.Error.(type) {
	case nil:
	case string:
		rec.Error = e
	default:
		rec.Error = fmt.Sprint(e)
	}
	return rec, true
}

// decodeCompletionHistory parses a persisted tracker log. Records with an
// unknown status are skipped. An unreadable timestamp becomes the zero time
// and metadata that is not a JSON object is dropped; the record itself is
// kept.
func decodeCompletionHistory(key string, data []byte) []exectrack.CompletionRecord {
	items := splitArray("tracker", key, data)
	out := make([]exectrack.CompletionRecord, 0, len(items))
	skipped := 0
	for _, raw := range items {
		var s storedRecord
		if err := json.Unmarshal(raw, &s); err != nil || !s.Status.IsValid() {
			skipped++
			continue
		}
		ts, _ := exectrack.ParseTimestamp(s.Timestamp)
		rec := exectrack.CompletionRecord{
			ExecutionID:     s.ExecutionID,
			Status:          s.Status,
			TaskDescription: s.TaskDescription,
			Summary:         s.Summary,
			Timestamp:       ts,
		}
		if len(s.Metadata) > 0 {
			var md exectrack.CompletionMetadata
			if err := json.Unmarshal(s.Metadata, &md); err == nil && len(md) > 0 {
				rec.Metadata = md
			}
		}
		out = append(out, rec)
	}
	if skipped > 0 {
		slog.Warn("tracker: skipped malformed history entries", "key", key, "count", skipped)
	}
	return out
}

// encodeHistory marshals a history slice, writing [] rather than null when
// it is empty.
func encodeHistory[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}
