package reporting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/models"
)

type fakeCollector struct {
	mu          sync.Mutex
	keys        []string
	keyCalls    int
	submissions [][]string
	usedKeys    []string
	failures    []error // consumed per SubmitURLs call
	validKey    string
	keyFailures int // FetchAPIKey calls that fail before keys are handed out
}

func (f *fakeCollector) FetchAPIKey(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyCalls++
	if f.keyFailures > 0 {
		f.keyFailures--
		return "", fmt.Errorf("key endpoint unavailable")
	}
	if len(f.keys) == 0 {
		return "", fmt.Errorf("no keys left")
	}
	key := f.keys[0]
	f.keys = f.keys[1:]
	return key, nil
}

func (f *fakeCollector) SubmitURLs(ctx context.Context, apiKey string, urls []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usedKeys = append(f.usedKeys, apiKey)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return 0, err
		}
	}
	if f.validKey != "" && apiKey != f.validKey {
		return 0, &APIError{StatusCode: 401, Message: "bad key", Endpoint: submitPath}
	}
	f.submissions = append(f.submissions, append([]string(nil), urls...))
	return len(urls), nil
}

func (f *fakeCollector) submitted() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.submissions...)
}

type memoryState struct {
	mu     sync.Mutex
	apiKey string
	sent   map[string][]string
}

func newMemoryState() *memoryState {
	return &memoryState{sent: make(map[string][]string)}
}

func (m *memoryState) LoadAPIKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiKey, nil
}

func (m *memoryState) SaveAPIKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKey = key
	return nil
}

func (m *memoryState) ClearAPIKey(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKey = ""
	return nil
}

func (m *memoryState) LoadSent(ctx context.Context, day string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent[day]...), nil
}

func (m *memoryState) SaveSent(ctx context.Context, day string, urls []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[day] = append([]string(nil), urls...)
	return nil
}

func positive() *models.Outcome {
	return &models.Outcome{
		Label:                   "phishing",
		Probabilities:           map[string]float64{"phishing": 0.95},
		IsPhishing:              true,
		RequiredFeaturesPresent: true,
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestBatcher(collector *fakeCollector, state *memoryState) (*Batcher, *sleepRecorder) {
	opts := DefaultOptions()
	opts.TriggerSize = 1000 // flushes are driven explicitly
	b := NewBatcher(collector, state, opts, arbor.NewLogger())
	rec := &sleepRecorder{}
	b.Sleep = rec.sleep
	return b, rec
}

func TestBatcher_IsPositive(t *testing.T) {
	b, _ := newTestBatcher(&fakeCollector{}, newMemoryState())

	assert.False(t, b.IsPositive(nil))
	assert.True(t, b.IsPositive(positive()))
	assert.True(t, b.IsPositive(&models.Outcome{
		Probabilities:           map[string]float64{"phishing": 0.70},
		RequiredFeaturesPresent: true,
	}))
	assert.False(t, b.IsPositive(&models.Outcome{
		Probabilities:           map[string]float64{"phishing": 0.69},
		RequiredFeaturesPresent: true,
	}))
	assert.True(t, b.IsPositive(&models.Outcome{
		IsPhishing:              true,
		Probabilities:           map[string]float64{"phishing": 0.20},
		RequiredFeaturesPresent: true,
	}), "the worker's decision is checked before the threshold")
	assert.False(t, b.IsPositive(&models.Outcome{IsPhishing: true, RequiredFeaturesPresent: false}),
		"outcomes missing required features are unknown, not positive")
}

func TestBatcher_ReportDeduplicates(t *testing.T) {
	collector := &fakeCollector{keys: []string{"k1"}}
	state := newMemoryState()
	b, _ := newTestBatcher(collector, state)
	ctx := context.Background()

	assert.True(t, b.Report(ctx, "https://evil.example/login", positive()))
	assert.False(t, b.Report(ctx, "https://evil.example/login", positive()), "already pending")
	assert.False(t, b.Report(ctx, "https://fine.example", &models.Outcome{Label: "legitimate", RequiredFeaturesPresent: true}))
	assert.False(t, b.Report(ctx, "ftp://evil.example", positive()))
	assert.Equal(t, 1, b.PendingCount())

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 0, b.PendingCount())
	assert.Equal(t, 1, b.SentCount())

	assert.False(t, b.Report(ctx, "https://evil.example/login", positive()), "already sent today")
	assert.Equal(t, 0, b.PendingCount())
}

func TestBatcher_SentSetResetsOnNewDay(t *testing.T) {
	collector := &fakeCollector{keys: []string{"k1"}}
	b, _ := newTestBatcher(collector, newMemoryState())
	ctx := context.Background()

	day := "2026-10-16"
	b.DayKey = func(time.Time) string { return day }

	b.Report(ctx, "https://evil.example", positive())
	require.NoError(t, b.Flush(ctx))
	assert.False(t, b.Report(ctx, "https://evil.example", positive()))

	day = "2026-10-17"
	assert.True(t, b.Report(ctx, "https://evil.example", positive()))
}

func TestBatcher_SentSetSurvivesRestart(t *testing.T) {
	state := newMemoryState()
	ctx := context.Background()

	first, _ := newTestBatcher(&fakeCollector{keys: []string{"k1"}}, state)
	first.Report(ctx, "https://evil.example", positive())
	require.NoError(t, first.Flush(ctx))

	second, _ := newTestBatcher(&fakeCollector{}, state)
	assert.False(t, second.Report(ctx, "https://evil.example", positive()))
}

func TestBatcher_FlushRespectsMaxBatchSize(t *testing.T) {
	collector := &fakeCollector{keys: []string{"k1"}}
	opts := DefaultOptions()
	opts.TriggerSize = 1000
	opts.MaxBatchSize = 2
	b := NewBatcher(collector, newMemoryState(), opts, arbor.NewLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Report(ctx, fmt.Sprintf("https://evil%d.example", i), positive())
	}

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 3, b.PendingCount())
	require.NoError(t, b.Flush(ctx))
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 0, b.PendingCount())

	submitted := collector.submitted()
	require.Len(t, submitted, 3)
	assert.Equal(t, []string{"https://evil0.example", "https://evil1.example"}, submitted[0])
	assert.Equal(t, 1, collector.keyCalls, "the credential is cached after the first fetch")
}

func TestBatcher_AuthFailureReacquiresKeyOnce(t *testing.T) {
	collector := &fakeCollector{keys: []string{"fresh"}, validKey: "fresh"}
	state := newMemoryState()
	state.apiKey = "stale"
	b, rec := newTestBatcher(collector, state)
	ctx := context.Background()

	b.Report(ctx, "https://evil.example", positive())
	require.NoError(t, b.Flush(ctx))

	assert.Equal(t, []string{"stale", "fresh"}, collector.usedKeys)
	assert.Equal(t, "fresh", state.apiKey)
	assert.Empty(t, rec.delays, "re-acquisition resubmits without backoff")
	assert.Equal(t, 0, b.PendingCount())
}

func TestBatcher_FailedReacquisitionFetchesKeyOnNextAttempt(t *testing.T) {
	collector := &fakeCollector{keys: []string{"fresh"}, validKey: "fresh", keyFailures: 1}
	state := newMemoryState()
	state.apiKey = "stale"
	b, rec := newTestBatcher(collector, state)
	ctx := context.Background()

	b.Report(ctx, "https://evil.example", positive())
	require.NoError(t, b.Flush(ctx))

	// The rejected key is never resent
	assert.Equal(t, []string{"stale", "fresh"}, collector.usedKeys)
	assert.Equal(t, 2, collector.keyCalls)
	assert.Equal(t, []time.Duration{800 * time.Millisecond}, rec.delays)
	assert.Equal(t, "fresh", state.apiKey)
	assert.Equal(t, 0, b.PendingCount())
}

func TestBatcher_RetriesWithBackoffThenKeepsPending(t *testing.T) {
	transient := fmt.Errorf("connection refused")
	collector := &fakeCollector{
		keys:     []string{"k1"},
		failures: []error{transient, transient, transient},
	}
	b, rec := newTestBatcher(collector, newMemoryState())
	ctx := context.Background()

	b.Report(ctx, "https://evil.example", positive())
	err := b.Flush(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond}, rec.delays)
	assert.Equal(t, []string{"https://evil.example"}, b.Pending())
	assert.Equal(t, 0, b.SentCount())

	// Next flush succeeds and drains
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 0, b.PendingCount())
}

func TestBatcher_RecoversAfterTransientFailure(t *testing.T) {
	collector := &fakeCollector{
		keys:     []string{"k1"},
		failures: []error{fmt.Errorf("timeout")},
	}
	b, rec := newTestBatcher(collector, newMemoryState())
	ctx := context.Background()

	b.Report(ctx, "https://evil.example", positive())
	require.NoError(t, b.Flush(ctx))

	assert.Len(t, rec.delays, 1)
	assert.Len(t, collector.submitted(), 1)
}

func TestBatcher_TriggerSizeFlushesAutomatically(t *testing.T) {
	collector := &fakeCollector{keys: []string{"k1"}}
	opts := DefaultOptions()
	opts.TriggerSize = 3
	b := NewBatcher(collector, newMemoryState(), opts, arbor.NewLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Report(ctx, fmt.Sprintf("https://evil%d.example", i), positive())
	}

	assert.Eventually(t, func() bool { return len(collector.submitted()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return b.PendingCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBatcher_StartRejectsBadSchedule(t *testing.T) {
	opts := DefaultOptions()
	opts.FlushSchedule = "not a schedule"
	b := NewBatcher(&fakeCollector{}, newMemoryState(), opts, arbor.NewLogger())

	assert.Error(t, b.Start(context.Background()))
	b.Stop()
}

func TestBatcher_StartStop(t *testing.T) {
	b, _ := newTestBatcher(&fakeCollector{}, newMemoryState())

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	b.Stop()
	b.Stop()
}
