// Package httpextract builds primary extractors for sources declared in
// configuration. Each source lists a CSS selector per value name; pages are
// fetched with Colly and read with goquery.
package httpextract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/timetable-refresher/internal/fallback"
	"github.com/JakeFAU/timetable-refresher/internal/source"
)

const defaultTimeout = 20 * time.Second

var errNoDocument = errors.New("response carried no html document")

// Config controls collector behavior.
type Config struct {
	UserAgent  string
	Timeout    time.Duration
	ValueNames []string
	Clock      source.Clock
	// Transport overrides the HTTP transport; tests use it to reach httptest servers.
	Transport http.RoundTripper
}

// Source is the selector map for one page.
type Source struct {
	URL          string
	DateSelector string
	Selectors    map[string]string
}

// Builder turns Source declarations into source.Extractor funcs sharing one
// HTTP backend.
type Builder struct {
	cfg   Config
	clock source.Clock
	base  *colly.Collector
}

// New builds a Builder.
func New(cfg Config) *Builder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.ValueNames) == 0 {
		cfg.ValueNames = append([]string(nil), source.DefaultValueNames...)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = source.SystemClock{}
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	return &Builder{cfg: cfg, clock: clock, base: c}
}

// Extractor returns a source.Extractor for src.
func (b *Builder) Extractor(src Source) source.Extractor {
	return func(ctx context.Context) (source.Extraction, error) {
		return b.extract(ctx, src)
	}
}

func (b *Builder) extract(ctx context.Context, src Source) (source.Extraction, error) {
	collector := b.base.Clone()
	collector.Context = ctx
	if b.cfg.UserAgent != "" {
		collector.UserAgent = b.cfg.UserAgent
	}
	collector.SetRequestTimeout(b.cfg.Timeout)

	var (
		result   source.Extraction
		parsed   bool
		fetchErr error
	)
	collector.OnHTML("html", func(h *colly.HTMLElement) {
		parsed = true
		result = b.read(h, src)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(src.URL)
	}()

	select {
	case <-ctx.Done():
		return source.Extraction{}, fmt.Errorf("fetch %s canceled: %w", src.URL, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return source.Extraction{}, fmt.Errorf("fetch %s: %w", src.URL, fetchErr)
		}
		if err != nil {
			return source.Extraction{}, fmt.Errorf("visit %s: %w", src.URL, err)
		}
		if !parsed {
			return source.Extraction{}, fmt.Errorf("fetch %s: %w", src.URL, errNoDocument)
		}
		return result, nil
	}
}

func (b *Builder) read(h *colly.HTMLElement, src Source) source.Extraction {
	values := make(source.Values, len(b.cfg.ValueNames))
	for _, name := range b.cfg.ValueNames {
		values[name] = nil
	}
	for name, selector := range src.Selectors {
		text := strings.TrimSpace(h.DOM.Find(selector).First().Text())
		if t, ok := fallback.NormalizeTime(text); ok {
			values[name] = source.Value(t)
			continue
		}
		values[name] = nil
	}
	date := ""
	if src.DateSelector != "" {
		date = strings.TrimSpace(h.DOM.Find(src.DateSelector).First().Text())
	}
	if date == "" {
		date = b.clock.Now().Format(time.DateOnly)
	}
	return source.Extraction{Date: date, Values: values}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
