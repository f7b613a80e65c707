// -----------------------------------------------------------------------
// Analysis Job - Queued and running units of document analysis
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// AnalysisJob is a pending request to analyze the document loaded in a context.
// Created on a qualifying navigation event; destroyed when dequeued or when
// superseded by a newer navigation in the same context while still queued.
type AnalysisJob struct {
	ContextID  int64     `json:"context_id" validate:"gte=0"`
	URL        string    `json:"url" validate:"required,url"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ActiveRun is the bookkeeping for a job that is currently executing.
// There is at most one per context.
type ActiveRun struct {
	ID           string                 `json:"id"`
	ContextID    int64                  `json:"context_id"`
	URL          string                 `json:"url"`
	StartedAt    time.Time              `json:"started_at"` // carries a monotonic reading
	StageResults map[string]StageResult `json:"stage_results,omitempty"`
}

// StageResult is the output of one stage executor within a run
type StageResult struct {
	Stage    string        `json:"stage"`
	Features FeatureMap    `json:"features,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the stage produced features
func (r StageResult) Succeeded() bool {
	return r.Err == ""
}
