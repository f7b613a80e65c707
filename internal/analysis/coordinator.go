// -----------------------------------------------------------------------
// Coordinator - runs the stages of one analysis and classifies the result
// -----------------------------------------------------------------------

package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/phishwatch/internal/handshake"
	"github.com/ternarybob/phishwatch/internal/interfaces"
	"github.com/ternarybob/phishwatch/internal/models"
)

// Stage names, also used as feature key namespaces
const (
	StageStatic     = "static"
	StageReputation = "reputation"
	StageRendered   = "rendered"
)

// ErrRunFailed means no stage produced features; no record is written
var ErrRunFailed = errors.New("every analysis stage failed")

// Handshaker confirms the renderer is ready in a context
type Handshaker interface {
	Perform(ctx context.Context, contextID int64, url string) (handshake.State, error)
}

// Stages groups the executors. A nil executor is treated as not configured.
type Stages struct {
	Static     interfaces.StaticExtractor
	Reputation interfaces.ReputationLookup
	Handshake  Handshaker
	Rendered   interfaces.RenderedExtractor
}

// Coordinator orchestrates a single run: the static and reputation stages run
// together while the rendered stage runs concurrently behind its handshake.
type Coordinator struct {
	stages     Stages
	classifier interfaces.Classifier
	logger     arbor.ILogger
	now        func() time.Time
}

// NewCoordinator creates a coordinator
func NewCoordinator(stages Stages, classifier interfaces.Classifier, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		stages:     stages,
		classifier: classifier,
		logger:     logger,
		now:        time.Now,
	}
}

type stageFunc func(ctx context.Context) (models.FeatureMap, error)

// Run executes every stage for run and returns the record to store.
// Stage failures are absorbed; ErrRunFailed is returned only when none succeeded.
func (c *Coordinator) Run(ctx context.Context, run *models.ActiveRun) (*models.ResultRecord, error) {
	logger := c.logger.WithCorrelationId(run.ID)

	var mu sync.Mutex
	results := make(map[string]models.StageResult)
	record := func(name string, res models.StageResult) {
		mu.Lock()
		results[name] = res
		mu.Unlock()
	}

	execute := func(ctx context.Context, name string, fn stageFunc) models.StageResult {
		start := time.Now()
		features, err := safeStage(ctx, fn)
		res := models.StageResult{Stage: name, Features: features, Duration: time.Since(start)}
		if err != nil {
			res.Err = err.Error()
			res.Features = nil
			logger.Warn().
				Str("stage", name).
				Int64("context_id", run.ContextID).
				Err(err).
				Dur("duration", res.Duration).
				Msg("Analysis stage failed")
		} else {
			logger.Debug().
				Str("stage", name).
				Int("features", len(features)).
				Dur("duration", res.Duration).
				Msg("Analysis stage complete")
		}
		return res
	}

	g, gCtx := errgroup.WithContext(ctx)

	if c.stages.Static != nil {
		g.Go(func() error {
			record(StageStatic, execute(gCtx, StageStatic, func(ctx context.Context) (models.FeatureMap, error) {
				return c.stages.Static.ExtractStatic(ctx, run.URL)
			}))
			return nil
		})
	}

	if c.stages.Reputation != nil {
		g.Go(func() error {
			record(StageReputation, execute(gCtx, StageReputation, func(ctx context.Context) (models.FeatureMap, error) {
				return c.stages.Reputation.LookupReputation(ctx, run.URL)
			}))
			return nil
		})
	}

	if c.stages.Rendered != nil {
		g.Go(func() error {
			record(StageRendered, execute(gCtx, StageRendered, func(ctx context.Context) (models.FeatureMap, error) {
				if c.stages.Handshake != nil {
					state, err := c.stages.Handshake.Perform(ctx, run.ContextID, run.URL)
					if err != nil {
						return nil, fmt.Errorf("handshake %s: %w", state, err)
					}
				}
				return c.stages.Rendered.QueryRendered(ctx, run.ContextID, run.URL)
			}))
			return nil
		})
	}

	// Stages never return errors to the group
	_ = g.Wait()

	run.StageResults = results

	merged, meta, succeeded := mergeStages(results)
	if succeeded == 0 {
		return nil, fmt.Errorf("%w for context %d (%d stages)", ErrRunFailed, run.ContextID, len(results))
	}

	rec := &models.ResultRecord{
		RunID:          run.ID,
		ContextID:      run.ContextID,
		URL:            run.URL,
		MergedFeatures: merged,
		Metadata:       meta,
	}

	c.classify(ctx, logger, rec)

	end := c.now()
	rec.Timestamps = models.RecordTimestamps{Begin: run.StartedAt, End: end}
	rec.Duration = end.Sub(run.StartedAt)

	return rec, nil
}

func (c *Coordinator) classify(ctx context.Context, logger arbor.ILogger, rec *models.ResultRecord) {
	if c.classifier == nil {
		rec.Prediction = models.PredictionUnknown
		rec.Metadata.ClassifierError = "no classifier configured"
		return
	}

	outcome, err := c.classifier.Predict(ctx, rec.ContextID, rec.MergedFeatures)
	if err != nil {
		rec.Prediction = models.PredictionUnknown
		rec.Metadata.ClassifierError = err.Error()
		logger.Warn().Err(err).Int64("context_id", rec.ContextID).Msg("Classification failed, recording unknown prediction")
		return
	}

	rec.Outcome = outcome
	if !outcome.Usable() {
		rec.Prediction = models.PredictionUnknown
		rec.Metadata.MissingFeatures = append([]string(nil), outcome.MissingFeatures...)
		rec.Metadata.PartialData = true
		return
	}
	rec.Prediction = outcome.Label
}

// safeStage converts a stage panic into an error so siblings keep running
func safeStage(ctx context.Context, fn stageFunc) (features models.FeatureMap, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return fn(ctx)
}
