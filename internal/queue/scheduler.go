// -----------------------------------------------------------------------
// Scheduler - FIFO admission control for analysis jobs
// -----------------------------------------------------------------------

package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/common"
	"github.com/ternarybob/phishwatch/internal/models"
)

// ErrInvalidJob is wrapped by every AdmissionError
var ErrInvalidJob = errors.New("invalid analysis job")

// AdmissionError is returned synchronously by Enqueue for caller mistakes
type AdmissionError struct {
	ContextID int64
	URL       string
	Reason    string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected for context %d (%s): %s", e.ContextID, e.URL, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return ErrInvalidJob
}

// Scheduler holds queued jobs in FIFO order and the set of active runs.
// Active runs never exceed the concurrency ceiling and there is at most one
// queued job and one active run per context.
type Scheduler struct {
	mu       sync.Mutex
	ceiling  int
	pending  []*models.AnalysisJob
	active   map[int64]*models.ActiveRun
	validate *validator.Validate
	logger   arbor.ILogger
	now      func() time.Time
}

// NewScheduler creates a scheduler with the given concurrency ceiling
func NewScheduler(ceiling int, logger arbor.ILogger) *Scheduler {
	if ceiling <= 0 {
		ceiling = 10
	}
	return &Scheduler{
		ceiling:  ceiling,
		active:   make(map[int64]*models.ActiveRun),
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// Ceiling returns the concurrency ceiling
func (s *Scheduler) Ceiling() int {
	return s.ceiling
}

// Enqueue adds a job for contextID, replacing any job still queued for it.
// An active run for the same context is left alone; the new job waits behind it.
func (s *Scheduler) Enqueue(contextID int64, url string) (*models.AnalysisJob, error) {
	job := &models.AnalysisJob{
		ContextID:  contextID,
		URL:        url,
		EnqueuedAt: s.now(),
	}

	if err := s.validate.Struct(job); err != nil {
		return nil, &AdmissionError{ContextID: contextID, URL: url, Reason: err.Error()}
	}

	s.mu.Lock()
	replaced := s.removeQueuedLocked(contextID)
	s.pending = append(s.pending, job)
	queueLength := len(s.pending)
	_, running := s.active[contextID]
	s.mu.Unlock()

	s.logger.Debug().
		Int64("context_id", contextID).
		Str("url", url).
		Bool("replaced", replaced).
		Bool("context_running", running).
		Int("queue_length", queueLength).
		Msg("Analysis job enqueued")

	return job, nil
}

// DequeueNext pops the oldest queued job whose context has no active run and
// registers its ActiveRun, provided the ceiling leaves room. It never blocks.
func (s *Scheduler) DequeueNext() (*models.AnalysisJob, *models.ActiveRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) >= s.ceiling {
		return nil, nil, false
	}

	for i, job := range s.pending {
		if _, running := s.active[job.ContextID]; running {
			continue
		}

		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		run := &models.ActiveRun{
			ID:           common.NewRunID(),
			ContextID:    job.ContextID,
			URL:          job.URL,
			StartedAt:    s.now(),
			StageResults: make(map[string]models.StageResult),
		}
		s.active[job.ContextID] = run
		return job, run, true
	}

	return nil, nil, false
}

// Complete releases the run's slot. It returns false when the run is no
// longer the registered run for its context (torn down or cancelled), in
// which case its result must be discarded.
func (s *Scheduler) Complete(run *models.ActiveRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.active[run.ContextID]
	if !ok || current != run {
		return false
	}
	delete(s.active, run.ContextID)
	return true
}

// Remove drops every trace of contextID: its queued job and its active run.
// A removed run keeps executing but Complete will report it as stale.
func (s *Scheduler) Remove(contextID int64) (removedQueued bool, removedActive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removedQueued = s.removeQueuedLocked(contextID)
	if _, ok := s.active[contextID]; ok {
		delete(s.active, contextID)
		removedActive = true
	}
	return removedQueued, removedActive
}

// CancelAllQueued clears the queue and returns how many jobs were dropped
func (s *Scheduler) CancelAllQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.pending)
	s.pending = nil
	return n
}

// IsProcessing reports whether contextID has a queued job or an active run
func (s *Scheduler) IsProcessing(contextID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[contextID]; ok {
		return true
	}
	return s.indexLocked(contextID) >= 0
}

// QueueLength returns the number of queued jobs
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ActiveCount returns the number of active runs
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Queued returns a copy of the queued jobs in dispatch order
func (s *Scheduler) Queued() []models.AnalysisJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]models.AnalysisJob, len(s.pending))
	for i, job := range s.pending {
		jobs[i] = *job
	}
	return jobs
}

func (s *Scheduler) indexLocked(contextID int64) int {
	for i, job := range s.pending {
		if job.ContextID == contextID {
			return i
		}
	}
	return -1
}

func (s *Scheduler) removeQueuedLocked(contextID int64) bool {
	i := s.indexLocked(contextID)
	if i < 0 {
		return false
	}
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
	return true
}
