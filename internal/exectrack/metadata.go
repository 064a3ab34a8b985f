package exectrack

import (
	"maps"
	"math"
	"time"
)

// Well-known CompletionMetadata keys.
const (
	MetadataDuration      = "duration" // milliseconds
	MetadataToolsUsed     = "toolsUsed"
	MetadataFilesModified = "filesModified"
)

// CompletionMetadata is the opaque metadata object attached to a completion
// signal. Keys and values are kept as decoded from JSON, so unknown keys
// survive a store round trip untouched.
type CompletionMetadata map[string]any

// Duration returns the reported run time. The stored value is a number of
// milliseconds and may be fractional.
func (m CompletionMetadata) Duration() (time.Duration, bool) {
	var ms float64
	switch v := m[MetadataDuration].(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	default:
		return 0, false
	}
	return time.Duration(math.Round(ms * float64(time.Millisecond))), true
}

// ToolsUsed returns the string entries of the toolsUsed list.
func (m CompletionMetadata) ToolsUsed() []string {
	return m.stringList(MetadataToolsUsed)
}

// FilesModified returns the string entries of the filesModified list.
func (m CompletionMetadata) FilesModified() []string {
	return m.stringList(MetadataFilesModified)
}

func (m CompletionMetadata) stringList(key string) []string {
	var out []string
	switch v := m[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// Clone returns a deep copy of m. Nested maps and slices are copied too.
func (m CompletionMetadata) Clone() CompletionMetadata {
	if m == nil {
		return nil
	}
	out := make(CompletionMetadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := maps.Clone(v)
		for k, item := range out {
			out[k] = cloneValue(item)
		}
		return out
	case CompletionMetadata:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	}
	return v
}
