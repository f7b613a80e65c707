package renderer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/models"
	"github.com/ternarybob/phishwatch/internal/services/features"
)

const maxDocumentBytes = 5 << 20

type snapshot struct {
	html     string
	location string
}

// FetchRenderer is the browserless renderer: injection downloads the document
// over HTTP and signals ready as soon as it is held in memory. Scripts never run.
type FetchRenderer struct {
	client    *http.Client
	userAgent string
	notifier  Notifier
	logger    arbor.ILogger

	mu    sync.Mutex
	pages map[int64]snapshot
}

// NewFetchRenderer creates a FetchRenderer
func NewFetchRenderer(config Config, notifier Notifier, logger arbor.ILogger) *FetchRenderer {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = "PhishWatch/1.0"
	}
	return &FetchRenderer{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		notifier:  notifier,
		logger:    logger,
		pages:     make(map[int64]snapshot),
	}
}

// Inject downloads url for contextID and signals ready
func (f *FetchRenderer) Inject(ctx context.Context, contextID int64, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	f.mu.Lock()
	f.pages[contextID] = snapshot{html: string(body), location: resp.Request.URL.String()}
	f.mu.Unlock()

	f.logger.Debug().
		Int64("context_id", contextID).
		Str("url", url).
		Int("bytes", len(body)).
		Msg("Document fetched")

	f.notifier.Notify(contextID)
	return nil
}

// QueryRendered extracts features from the fetched document
func (f *FetchRenderer) QueryRendered(ctx context.Context, contextID int64, url string) (models.FeatureMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	page, ok := f.pages[contextID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoTab, contextID)
	}
	return features.ExtractDocument(page.html, page.location)
}

// Close drops the fetched document
func (f *FetchRenderer) Close(contextID int64) error {
	f.mu.Lock()
	delete(f.pages, contextID)
	f.mu.Unlock()
	return nil
}
