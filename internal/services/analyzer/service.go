// -----------------------------------------------------------------------
// Analyzer service - navigation in, result records out
// -----------------------------------------------------------------------

package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/common"
	"github.com/ternarybob/phishwatch/internal/interfaces"
	"github.com/ternarybob/phishwatch/internal/models"
	"github.com/ternarybob/phishwatch/internal/queue"
	"github.com/ternarybob/phishwatch/internal/results"
)

// ErrDisabled is returned for navigations received while the analyzer is off
var ErrDisabled = errors.New("analyzer is disabled")

// Runner executes one analysis run
type Runner interface {
	Run(ctx context.Context, run *models.ActiveRun) (*models.ResultRecord, error)
}

// ClassifierChannel is the classifier connection lifecycle
type ClassifierChannel interface {
	Init(ctx context.Context) error
	Terminate()
}

// SignalHub routes and cancels renderer-ready signals
type SignalHub interface {
	Notify(contextID int64) int
	Cancel(contextID int64) int
	CancelAll() int
}

// Reporter receives completed outcomes for outbound reporting
type Reporter interface {
	Report(ctx context.Context, url string, outcome *models.Outcome) bool
	Start(ctx context.Context) error
	Stop()
	PendingCount() int
}

// Dependencies are the collaborators of the Service. Classifier, Reporter
// and Events are optional.
type Dependencies struct {
	Scheduler  *queue.Scheduler
	Runner     Runner
	Store      *results.Store
	History    *results.History
	Signals    SignalHub
	Classifier ClassifierChannel
	Reporter   Reporter
	Events     interfaces.EventService
}

// Service owns the analyzer state: it admits navigations, dispatches runs up to
// the scheduler's ceiling and publishes their records.
type Service struct {
	deps   Dependencies
	logger arbor.ILogger

	toggleMu sync.Mutex
	enabled  atomic.Bool

	// mu orders run completion against context teardown
	mu sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
}

// NewService creates a disabled analyzer
func NewService(deps Dependencies, logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:       deps,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Enable initializes the classifier channel and then starts accepting
// navigations. A failed initialization leaves the analyzer disabled.
func (s *Service) Enable(ctx context.Context) error {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	if s.enabled.Load() {
		return nil
	}

	if s.deps.Classifier != nil {
		if err := s.deps.Classifier.Init(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Classifier initialization failed, analyzer stays disabled")
			return fmt.Errorf("classifier init: %w", err)
		}
	}

	if s.deps.Reporter != nil {
		if err := s.deps.Reporter.Start(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Report batcher failed to start")
		}
	}

	s.enabled.Store(true)
	s.logger.Info().Msg("Analyzer enabled")
	s.publish(interfaces.EventAnalyzerToggled, map[string]interface{}{"enabled": true})
	return nil
}

// Disable cancels queued jobs, terminates the classifier channel and cancels
// every pending handshake. Active runs finish with whatever they can still get.
func (s *Service) Disable() {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	if !s.enabled.Load() {
		return
	}
	s.enabled.Store(false)

	cancelled := s.deps.Scheduler.CancelAllQueued()
	if s.deps.Classifier != nil {
		s.deps.Classifier.Terminate()
	}
	listeners := s.deps.Signals.CancelAll()
	if s.deps.Reporter != nil {
		s.deps.Reporter.Stop()
	}

	s.logger.Info().
		Int("cancelled_jobs", cancelled).
		Int("cancelled_listeners", listeners).
		Msg("Analyzer disabled")
	s.publish(interfaces.EventAnalyzerToggled, map[string]interface{}{"enabled": false})
}

// Toggle flips the enabled state and returns the new state
func (s *Service) Toggle(ctx context.Context) (bool, error) {
	if s.enabled.Load() {
		s.Disable()
		return false, nil
	}
	if err := s.Enable(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Enabled reports whether navigations are accepted
func (s *Service) Enabled() bool {
	return s.enabled.Load()
}

// HandleNavigation admits a navigation. Sub-documents and non-web schemes are
// ignored and return a nil job; invalid contexts return a queue.AdmissionError.
func (s *Service) HandleNavigation(ctx context.Context, event models.NavigationEvent) (*models.AnalysisJob, error) {
	if event.ContextID == nil {
		return nil, &queue.AdmissionError{ContextID: -1, URL: event.URL, Reason: "context id is required"}
	}
	contextID := *event.ContextID

	if !event.IsMainDocument || !isWebURL(event.URL) {
		s.logger.Trace().
			Int64("context_id", contextID).
			Str("url", event.URL).
			Msg("Navigation ignored")
		return nil, nil
	}
	if !s.enabled.Load() {
		return nil, ErrDisabled
	}

	job, err := s.deps.Scheduler.Enqueue(contextID, event.URL)
	if err != nil {
		return nil, err
	}

	s.pump()
	return job, nil
}

// HandleTeardown forgets everything about contextID. A run still executing
// for it is left to finish but its record is discarded.
func (s *Service) HandleTeardown(ctx context.Context, contextID int64) error {
	if contextID < 0 {
		return &queue.AdmissionError{ContextID: contextID, Reason: "context id must not be negative"}
	}

	s.mu.Lock()
	removedQueued, removedActive := s.deps.Scheduler.Remove(contextID)
	removedRecord := s.deps.Store.Remove(contextID)
	s.mu.Unlock()

	listeners := s.deps.Signals.Cancel(contextID)

	s.logger.Debug().
		Int64("context_id", contextID).
		Bool("removed_queued", removedQueued).
		Bool("removed_active", removedActive).
		Bool("removed_record", removedRecord).
		Int("cancelled_listeners", listeners).
		Msg("Context torn down")

	s.publish(interfaces.EventContextClosed, models.TeardownEvent{ContextID: contextID})

	// A removed active run frees its slot
	s.pump()
	return nil
}

// NotifyReady delivers a renderer-ready signal for contextID
func (s *Service) NotifyReady(contextID int64) int {
	return s.deps.Signals.Notify(contextID)
}

// pump starts runs until the ceiling is reached or the queue is empty
func (s *Service) pump() {
	for s.enabled.Load() {
		_, run, ok := s.deps.Scheduler.DequeueNext()
		if !ok {
			return
		}

		s.wg.Add(1)
		common.SafeGo(s.logger, "analysis-run", func() {
			defer s.wg.Done()
			s.execute(s.baseCtx, run)
		})
	}
}

func (s *Service) execute(ctx context.Context, run *models.ActiveRun) {
	logger := s.logger.WithCorrelationId(run.ID)
	logger.Info().Int64("context_id", run.ContextID).Str("url", run.URL).Msg("Analysis started")
	s.publish(interfaces.EventAnalysisStarted, map[string]interface{}{
		"run_id":     run.ID,
		"context_id": run.ContextID,
		"url":        run.URL,
	})

	record, err := s.deps.Runner.Run(ctx, run)

	s.mu.Lock()
	current := s.deps.Scheduler.Complete(run)
	stored := false
	if err == nil && current {
		var evicted *models.ResultRecord
		stored, evicted = s.deps.Store.Put(record)
		if evicted != nil {
			logger.Debug().Int64("evicted_context_id", evicted.ContextID).Msg("Result evicted at capacity")
		}
	}
	s.mu.Unlock()

	switch {
	case !current:
		logger.Debug().Int64("context_id", run.ContextID).Msg("Context torn down during run, result discarded")

	case err != nil:
		s.failed.Add(1)
		logger.Warn().Err(err).Int64("context_id", run.ContextID).Msg("Analysis failed, no record written")
		s.publish(interfaces.EventAnalysisFailed, map[string]interface{}{
			"run_id":     run.ID,
			"context_id": run.ContextID,
			"url":        run.URL,
			"error":      err.Error(),
		})

	default:
		s.completed.Add(1)
		s.deps.History.Append(record)
		if !stored {
			logger.Debug().Int64("context_id", run.ContextID).Msg("Newer result already stored, record kept in history only")
		}
		if s.deps.Reporter != nil && record.Outcome != nil {
			s.deps.Reporter.Report(s.baseCtx, record.URL, record.Outcome)
		}

		logger.Info().
			Int64("context_id", run.ContextID).
			Str("prediction", record.Prediction).
			Bool("partial", record.Metadata.PartialData).
			Dur("duration", record.Duration).
			Msg("Analysis complete")
		s.publish(interfaces.EventAnalysisCompleted, record)
	}

	s.pump()
}

// GetResult returns the stored record for contextID, or nil
func (s *Service) GetResult(contextID int64) *models.ResultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Store.Get(contextID)
}

// IsProcessing reports whether contextID has a queued job or an active run
func (s *Service) IsProcessing(contextID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Scheduler.IsProcessing(contextID)
}

// History returns up to limit completed records, newest first
func (s *Service) History(limit int) []*models.ResultRecord {
	return s.deps.History.List(limit)
}

// GetStatus returns a snapshot of the analyzer counters
func (s *Service) GetStatus() models.Status {
	status := models.Status{
		Enabled:       s.enabled.Load(),
		QueueLength:   s.deps.Scheduler.QueueLength(),
		ActiveCount:   s.deps.Scheduler.ActiveCount(),
		StoredCount:   s.deps.Store.Len(),
		HistoryCount:  s.deps.History.Len(),
		Concurrency:   s.deps.Scheduler.Ceiling(),
		CompletedRuns: s.completed.Load(),
		FailedRuns:    s.failed.Load(),
	}
	if s.deps.Reporter != nil {
		status.PendingReports = s.deps.Reporter.PendingCount()
	}
	return status
}

// Shutdown disables the analyzer, cancels active runs and waits for them
func (s *Service) Shutdown(ctx context.Context) error {
	s.Disable()
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active runs: %w", ctx.Err())
	}
}

func (s *Service) publish(eventType interfaces.EventType, payload interface{}) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.Publish(context.Background(), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

func isWebURL(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
