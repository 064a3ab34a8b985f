package exectrack

import "time"

// ExecutionStats summarizes the registry's active set and completed history.
type ExecutionStats struct {
	Active          int           `json:"active"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	Timeout         int           `json:"timeout"`
	AverageDuration time.Duration `json:"averageDurationNs"`
}

// CompletionStats summarizes the tracker's completion log.
type CompletionStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Partial    int `json:"partial"`
	Errors     int `json:"errors"`
}
