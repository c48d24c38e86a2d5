// Package browser provides the chromedp-backed handles managed by the resource
// pool. Each Tab owns its own Chrome process so a crashed page never takes
// other pooled handles down with it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultStartupTimeout    = 30 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// ErrTabClosed is returned when a closed Tab is used.
var ErrTabClosed = errors.New("browser tab closed")

// Config controls how browser handles are launched.
type Config struct {
	UserAgent         string
	Headless          bool
	NoSandbox         bool
	NavigationTimeout time.Duration
	StartupTimeout    time.Duration
	// SettleDelay is how long to wait after DOM ready for late scripts.
	SettleDelay time.Duration
	// HostQPS caps navigations per host across all tabs; zero disables it.
	HostQPS float64
	Logger  *zap.Logger
}

// Factory launches and disposes Tabs. It satisfies pool.Factory[*Tab].
type Factory struct {
	cfg     Config
	limiter *hostLimiter
	logger  *zap.Logger
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.HostQPS < 0 {
		return nil, fmt.Errorf("host qps must be >= 0, got %v", cfg.HostQPS)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		cfg:     cfg,
		limiter: newHostLimiter(cfg.HostQPS),
		logger:  logger,
	}, nil
}

// Create launches a Chrome process and verifies it responds before handing it out.
func (f *Factory) Create(ctx context.Context) (*Tab, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, startCancel := context.WithTimeout(browserCtx, f.cfg.StartupTimeout)
	defer startCancel()
	stop := forwardCancel(ctx, startCancel)
	defer stop()

	var title string
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank"), chromedp.Title(&title)); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser startup check: %w", err)
	}
	if f.cfg.UserAgent != "" {
		if err := chromedp.Run(browserCtx, emulation.SetUserAgentOverride(f.cfg.UserAgent)); err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("set user-agent: %w", err)
		}
	}
	return &Tab{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		cfg:         f.cfg,
		limiter:     f.limiter,
	}, nil
}

// Close shuts the tab's browser down. Closing twice is a no-op.
func (f *Factory) Close(tab *Tab) error {
	if tab == nil {
		return nil
	}
	return tab.close()
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("enable-automation", false),
	)
	if f.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}

// Tab is one pooled browser handle positioned at a source page.
type Tab struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cfg         Config
	limiter     *hostLimiter

	mu     sync.Mutex
	closed bool
	url    string
}

// URL returns the last URL the tab navigated to.
func (t *Tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// Navigate loads rawURL and waits for the body to be ready.
func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	if err := t.limiter.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("navigation rate limit: %w", err)
	}
	var finalURL string
	err := t.run(ctx,
		network.Enable(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(t.cfg.SettleDelay),
		chromedp.Location(&finalURL),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	t.mu.Lock()
	t.url = finalURL
	t.mu.Unlock()
	return nil
}

// Text returns the rendered visible text of the current document.
func (t *Tab) Text(ctx context.Context) (string, error) {
	var text string
	if err := t.run(ctx, chromedp.Evaluate(textScript, &text)); err != nil {
		return "", fmt.Errorf("read page text: %w", err)
	}
	return text, nil
}

// HTML returns the outer HTML of the current document.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	var html string
	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}

// FramesHTML returns the documents of same-origin frames on the page.
// Cross-origin frames are skipped.
func (t *Tab) FramesHTML(ctx context.Context) ([]string, error) {
	var frames []string
	if err := t.run(ctx, chromedp.Evaluate(framesScript, &frames)); err != nil {
		return nil, fmt.Errorf("read frame html: %w", err)
	}
	return frames, nil
}

func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTabClosed
	}
	taskCtx, cancel := context.WithTimeout(t.ctx, t.cfg.NavigationTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (t *Tab) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var err error
	if t.ctx != nil {
		if cerr := chromedp.Cancel(t.ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("cancel browser: %w", cerr)
		}
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.allocCancel != nil {
		t.allocCancel()
	}
	return err
}

const textScript = `document.body ? document.body.innerText : ""`

const framesScript = `Array.from(document.querySelectorAll("iframe, frame")).map(function (f) {
	try {
		return f.contentDocument && f.contentDocument.documentElement
			? f.contentDocument.documentElement.outerHTML
			: "";
	} catch (e) {
		return "";
	}
}).filter(function (html) { return html.length > 0; })`

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type hostLimiter struct {
	qps      float64
	limiters sync.Map
}

func newHostLimiter(qps float64) *hostLimiter {
	return &hostLimiter{qps: qps}
}

// Wait blocks until rawURL's host has budget for another navigation.
func (l *hostLimiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil || l.qps <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse navigation url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := l.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(l.qps), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}
