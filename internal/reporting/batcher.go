// -----------------------------------------------------------------------
// Report Batcher - deduplicated, batched submission of positive URLs
// -----------------------------------------------------------------------

package reporting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/common"
	"github.com/ternarybob/phishwatch/internal/models"
)

// ErrRetriesExhausted is returned by Flush when a batch could not be submitted
var ErrRetriesExhausted = errors.New("report batch retries exhausted")

// Collector is the remote endpoint receiving batches
type Collector interface {
	FetchAPIKey(ctx context.Context) (string, error)
	SubmitURLs(ctx context.Context, apiKey string, urls []string) (int, error)
}

// StateStore persists the credential and the per-day sent set
type StateStore interface {
	LoadAPIKey(ctx context.Context) (string, error)
	SaveAPIKey(ctx context.Context, key string) error
	ClearAPIKey(ctx context.Context) error
	LoadSent(ctx context.Context, day string) ([]string, error)
	SaveSent(ctx context.Context, day string, urls []string) error
}

// Options tune the batcher
type Options struct {
	Threshold     float64       // minimum phishing probability counted as positive
	TriggerSize   int           // pending size that triggers an immediate flush
	MaxBatchSize  int           // URLs per submission
	Retries       int           // additional attempts after the first
	Backoff       time.Duration // base delay, doubled per attempt
	FlushSchedule string        // cron spec for periodic flushes
}

// DefaultOptions mirrors the collector's documented limits
func DefaultOptions() Options {
	return Options{
		Threshold:     0.70,
		TriggerSize:   20,
		MaxBatchSize:  500,
		Retries:       2,
		Backoff:       800 * time.Millisecond,
		FlushSchedule: "@every 10s",
	}
}

// Batcher collects positively classified URLs and submits them in batches.
// Pending URLs are unique and URLs already confirmed submitted within the
// current day are never queued again.
type Batcher struct {
	collector Collector
	state     StateStore
	opts      Options
	logger    arbor.ILogger

	mu         sync.Mutex
	pending    []string
	pendingSet map[string]struct{}
	sent       map[string]struct{}
	day        string
	apiKey     string
	flushing   bool

	DayKey func(time.Time) string
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error

	cron *cron.Cron
}

// NewBatcher creates a batcher. The sent set for the current day is loaded lazily.
func NewBatcher(collector Collector, state StateStore, opts Options, logger arbor.ILogger) *Batcher {
	defaults := DefaultOptions()
	if opts.TriggerSize <= 0 {
		opts.TriggerSize = defaults.TriggerSize
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaults.MaxBatchSize
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaults.Backoff
	}
	if opts.FlushSchedule == "" {
		opts.FlushSchedule = defaults.FlushSchedule
	}

	return &Batcher{
		collector:  collector,
		state:      state,
		opts:       opts,
		logger:     logger,
		pendingSet: make(map[string]struct{}),
		sent:       make(map[string]struct{}),
		DayKey:     func(t time.Time) string { return t.UTC().Format("2006-01-02") },
		Now:        time.Now,
		Sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsPositive applies the reporting decision to an outcome
func (b *Batcher) IsPositive(outcome *models.Outcome) bool {
	if !outcome.Usable() {
		return false
	}
	if outcome.IsPhishing {
		return true
	}
	if p, ok := outcome.Probabilities["phishing"]; ok {
		return p >= b.opts.Threshold
	}
	return false
}

// Report queues url when outcome is positive and url is neither pending nor
// already sent today. It returns whether url was queued.
func (b *Batcher) Report(ctx context.Context, url string, outcome *models.Outcome) bool {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return false
	}
	if !b.IsPositive(outcome) {
		return false
	}

	if err := b.rollDay(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to load sent set, continuing with in-memory state")
	}

	b.mu.Lock()
	if _, ok := b.sent[url]; ok {
		b.mu.Unlock()
		b.logger.Debug().Str("url", url).Msg("URL already reported today, skipping")
		return false
	}
	if _, ok := b.pendingSet[url]; ok {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, url)
	b.pendingSet[url] = struct{}{}
	size := len(b.pending)
	b.mu.Unlock()

	b.logger.Info().Str("url", url).Int("pending", size).Msg("Queued URL for reporting")

	if size >= b.opts.TriggerSize {
		common.SafeGo(b.logger, "report-flush", func() {
			if err := b.Flush(context.Background()); err != nil {
				b.logger.Warn().Err(err).Msg("Triggered report flush failed")
			}
		})
	}
	return true
}

// rollDay switches the sent set when the day key changes
func (b *Batcher) rollDay(ctx context.Context) error {
	day := b.DayKey(b.Now())

	b.mu.Lock()
	if day == b.day {
		b.mu.Unlock()
		return nil
	}
	b.day = day
	b.sent = make(map[string]struct{})
	b.mu.Unlock()

	if b.state == nil {
		return nil
	}

	urls, err := b.state.LoadSent(ctx, day)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.day == day {
		for _, u := range urls {
			b.sent[u] = struct{}{}
		}
	}
	b.mu.Unlock()

	if pruner, ok := b.state.(sentPruner); ok {
		if removed, err := pruner.PruneSent(ctx, day); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to prune previous sent sets")
		} else if removed > 0 {
			b.logger.Debug().Int("removed", removed).Str("day", day).Msg("Pruned previous sent sets")
		}
	}
	return nil
}

type sentPruner interface {
	PruneSent(ctx context.Context, keepDay string) (int, error)
}

// ensureKey returns the cached credential, loading or fetching it when absent
func (b *Batcher) ensureKey(ctx context.Context) (string, error) {
	b.mu.Lock()
	key := b.apiKey
	b.mu.Unlock()
	if key != "" {
		return key, nil
	}

	if b.state != nil {
		stored, err := b.state.LoadAPIKey(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Failed to load stored api key")
		} else if stored != "" {
			b.setKey(stored)
			return stored, nil
		}
	}

	key, err := b.collector.FetchAPIKey(ctx)
	if err != nil {
		return "", err
	}
	b.setKey(key)

	if b.state != nil {
		if err := b.state.SaveAPIKey(ctx, key); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to persist api key")
		}
	}
	b.logger.Info().Msg("Collector api key acquired")
	return key, nil
}

func (b *Batcher) setKey(key string) {
	b.mu.Lock()
	b.apiKey = key
	b.mu.Unlock()
}

// invalidateKey forgets the credential in memory and in the state store
func (b *Batcher) invalidateKey(ctx context.Context) {
	b.setKey("")
	if b.state != nil {
		if err := b.state.ClearAPIKey(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to clear stored api key")
		}
	}
}

// Flush submits up to MaxBatchSize pending URLs. Only one flush runs at a
// time; a concurrent call returns immediately. A batch that exhausts its
// retries stays pending for the next flush.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.flushing = true
	n := len(b.pending)
	if n > b.opts.MaxBatchSize {
		n = b.opts.MaxBatchSize
	}
	batch := append([]string(nil), b.pending[:n]...)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushing = false
		b.mu.Unlock()
	}()

	if err := b.rollDay(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to load sent set before flush")
	}

	reacquired := false
	attempt := 0
	for {
		// The key is resolved per attempt so a failed re-acquisition is retried
		key, err := b.ensureKey(ctx)
		if err != nil {
			err = fmt.Errorf("failed to acquire api key: %w", err)
		} else {
			var count int
			count, err = b.collector.SubmitURLs(ctx, key, batch)
			if err == nil {
				b.markSent(ctx, batch)
				b.logger.Info().
					Int("batch", len(batch)).
					Int("accepted", count).
					Msg("Reported URL batch")
				return nil
			}

			if errors.Is(err, ErrUnauthorized) {
				b.invalidateKey(ctx)
				if !reacquired {
					reacquired = true
					b.logger.Warn().Err(err).Msg("Collector rejected api key, re-acquiring")
					continue
				}
			}
		}

		if attempt >= b.opts.Retries {
			b.logger.Error().Err(err).Int("batch", len(batch)).Int("attempts", attempt+1).Msg("Report upload failed, batch kept pending")
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}

		delay := b.opts.Backoff << attempt
		b.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("Report upload failed, retrying")
		if sleepErr := b.Sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("report flush interrupted: %w", sleepErr)
		}
		attempt++
	}
}

// markSent moves batch from pending to the sent set and persists it
func (b *Batcher) markSent(ctx context.Context, batch []string) {
	b.mu.Lock()
	remaining := b.pending[:0]
	inBatch := make(map[string]struct{}, len(batch))
	for _, u := range batch {
		inBatch[u] = struct{}{}
		b.sent[u] = struct{}{}
		delete(b.pendingSet, u)
	}
	for _, u := range b.pending {
		if _, ok := inBatch[u]; !ok {
			remaining = append(remaining, u)
		}
	}
	b.pending = remaining

	day := b.day
	sent := make([]string, 0, len(b.sent))
	for u := range b.sent {
		sent = append(sent, u)
	}
	b.mu.Unlock()

	if b.state != nil {
		if err := b.state.SaveSent(ctx, day, sent); err != nil {
			b.logger.Warn().Err(err).Str("day", day).Msg("Failed to persist sent set")
		}
	}
}

// Start schedules periodic flushes
func (b *Batcher) Start(ctx context.Context) error {
	if err := b.rollDay(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to load sent set on start")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cron != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(b.opts.FlushSchedule, func() {
		if err := b.Flush(context.Background()); err != nil {
			b.logger.Warn().Err(err).Msg("Scheduled report flush failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid flush schedule %q: %w", b.opts.FlushSchedule, err)
	}

	c.Start()
	b.cron = c

	b.logger.Info().Str("schedule", b.opts.FlushSchedule).Msg("Report batcher started")
	return nil
}

// Stop halts periodic flushes and waits for a running scheduled flush
func (b *Batcher) Stop() {
	b.mu.Lock()
	c := b.cron
	b.cron = nil
	b.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	b.logger.Info().Msg("Report batcher stopped")
}

// Pending returns a copy of the queued URLs
func (b *Batcher) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.pending...)
}

// PendingCount returns the number of queued URLs
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SentCount returns the number of URLs confirmed sent in the current day
func (b *Batcher) SentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}
