package models

// Status is the snapshot returned by the analyzer status query
type Status struct {
	Enabled        bool  `json:"enabled"`
	QueueLength    int   `json:"queue_length"`
	ActiveCount    int   `json:"active_count"`
	StoredCount    int   `json:"stored_count"`
	HistoryCount   int   `json:"history_count"`
	PendingReports int   `json:"pending_reports"`
	Concurrency    int   `json:"concurrency"`
	CompletedRuns  int64 `json:"completed_runs"`
	FailedRuns     int64 `json:"failed_runs"`
}
