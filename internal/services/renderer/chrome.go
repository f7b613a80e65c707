// -----------------------------------------------------------------------
// Chrome renderer - one browser tab per navigation context
// -----------------------------------------------------------------------

package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/models"
	"github.com/ternarybob/phishwatch/internal/services/features"
)

const (
	bindingName = "__phishwatchReady"

	// readyScript calls the binding once the document has finished loading
	readyScript = `(() => {
  const fire = () => window.` + bindingName + `("ready");
  if (document.readyState === "complete") { fire(); }
  else { window.addEventListener("load", fire, { once: true }); }
  return true;
})()`
)

// ErrNoTab is returned when a context has no injected tab
var ErrNoTab = errors.New("no renderer tab for context")

// Notifier receives the ready signal for a context
type Notifier interface {
	Notify(contextID int64) int
}

// Config holds the browser settings
type Config struct {
	Headless       bool
	NoSandbox      bool
	UserAgent      string
	RequestTimeout time.Duration
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// ChromeRenderer drives a headless Chrome through chromedp. The browser is
// started on first use and every context gets its own tab.
type ChromeRenderer struct {
	config   Config
	notifier Notifier
	logger   arbor.ILogger

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	tabs          map[int64]*tab
}

// NewChromeRenderer creates a renderer that reports readiness to notifier
func NewChromeRenderer(config Config, notifier Notifier, logger arbor.ILogger) *ChromeRenderer {
	if config.UserAgent == "" {
		config.UserAgent = "PhishWatch/1.0"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 15 * time.Second
	}
	return &ChromeRenderer{
		config:   config,
		notifier: notifier,
		logger:   logger,
		tabs:     make(map[int64]*tab),
	}
}

// ensureBrowser starts the browser. Caller holds r.mu.
func (r *ChromeRenderer) ensureBrowser() error {
	if r.browserCtx != nil {
		return nil
	}

	start := time.Now()
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", r.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(r.config.UserAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and must not carry a timeout
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed to start: %w", err)
	}

	testCtx, testCancel := context.WithTimeout(browserCtx, r.config.RequestTimeout)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed startup test: %w", err)
	}

	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	r.allocCancel = allocCancel

	r.logger.Info().
		Bool("headless", r.config.Headless).
		Dur("startup_time", time.Since(start)).
		Msg("Renderer browser started")
	return nil
}

// tabFor returns the tab for contextID, opening one if needed
func (r *ChromeRenderer) tabFor(contextID int64) (*tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tabs[contextID]; ok {
		return t, nil
	}
	if err := r.ensureBrowser(); err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(r.browserCtx)
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*runtime.EventBindingCalled); ok && e.Name == bindingName {
			r.notifier.Notify(contextID)
		}
	})

	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab for context %d: %w", contextID, err)
	}

	t := &tab{ctx: tabCtx, cancel: cancel}
	r.tabs[contextID] = t
	return t, nil
}

// runInTab runs actions in t bounded by the request timeout and ctx
func (r *ChromeRenderer) runInTab(ctx context.Context, t *tab, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, r.config.RequestTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// Inject loads url into the context's tab and installs the ready script.
// The ready signal arrives later through the notifier.
func (r *ChromeRenderer) Inject(ctx context.Context, contextID int64, url string) error {
	t, err := r.tabFor(contextID)
	if err != nil {
		return err
	}

	var installed bool
	err = r.runInTab(ctx, t,
		runtime.AddBinding(bindingName),
		chromedp.Navigate(url),
		chromedp.Evaluate(readyScript, &installed),
	)
	if err != nil {
		return fmt.Errorf("inject into context %d: %w", contextID, err)
	}

	r.logger.Debug().Int64("context_id", contextID).Str("url", url).Msg("Renderer component injected")
	return nil
}

// QueryRendered reads the live document of the context and extracts features
func (r *ChromeRenderer) QueryRendered(ctx context.Context, contextID int64, url string) (models.FeatureMap, error) {
	r.mu.Lock()
	t, ok := r.tabs[contextID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoTab, contextID)
	}

	var html, location string
	err := r.runInTab(ctx, t,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if err != nil {
		return nil, fmt.Errorf("query context %d: %w", contextID, err)
	}

	if location == "" {
		location = url
	}
	return features.ExtractDocument(html, location)
}

// Close closes the context's tab
func (r *ChromeRenderer) Close(contextID int64) error {
	r.mu.Lock()
	t, ok := r.tabs[contextID]
	delete(r.tabs, contextID)
	r.mu.Unlock()

	if ok {
		t.cancel()
		r.logger.Debug().Int64("context_id", contextID).Msg("Renderer tab closed")
	}
	return nil
}

// TabCount returns the number of open tabs
func (r *ChromeRenderer) TabCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

// Shutdown closes every tab and the browser
func (r *ChromeRenderer) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.tabs {
		t.cancel()
		delete(r.tabs, id)
	}
	if r.browserCancel != nil {
		r.browserCancel()
		r.allocCancel()
		r.browserCtx = nil
		r.browserCancel = nil
		r.allocCancel = nil
		r.logger.Info().Msg("Renderer browser stopped")
	}
}
