// Package fallback implements the degrading extraction strategies tried when
// a source's primary extractor keeps failing. Strategies run strictly in
// order against a live browser page and the first acceptable result wins.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetable-refresher/internal/source"
)

const defaultMinValues = 3

// ErrExhausted is wrapped by ExhaustedError.
var ErrExhausted = errors.New("fallback strategies exhausted")

// ExhaustedError reports that no strategy produced an acceptable result.
type ExhaustedError struct {
	JobID source.JobID
	Tried []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("job %s: all %d fallback strategies failed", e.JobID, len(e.Tried))
}

// Unwrap lets errors.Is match ErrExhausted.
func (e *ExhaustedError) Unwrap() error {
	return ErrExhausted
}

// Page is the read surface a strategy has over the source page.
type Page interface {
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	FramesHTML(ctx context.Context) ([]string, error)
}

// Target bundles what a strategy needs to know about the job it runs for.
type Target struct {
	JobID    source.JobID
	Location string
	Page     Page
}

// Strategy is one extraction approach.
type Strategy struct {
	Name string
	Run  func(ctx context.Context, target Target) (source.Values, error)
}

// Config controls chain acceptance and the built-in strategies.
type Config struct {
	ValueNames []string
	// MinValues is how many ValueNames a strategy must find to be accepted.
	MinValues int
	// Aliases lists alternative labels per value name for label-based scans.
	Aliases map[string][]string
	// Defaults holds static per-location tables; the "*" key applies to every location.
	Defaults map[string]map[string]string
	Clock    source.Clock
	Logger   *zap.Logger
}

// Chain runs strategies in order.
type Chain struct {
	cfg        Config
	strategies []Strategy
	clock      source.Clock
	logger     *zap.Logger
	// words matches any label of a value name as a whole token.
	words map[string]*regexp.Regexp
}

// NewChain builds a Chain. With no strategies the built-in five are used.
func NewChain(cfg Config, strategies ...Strategy) *Chain {
	if len(cfg.ValueNames) == 0 {
		cfg.ValueNames = append([]string(nil), source.DefaultValueNames...)
	}
	if cfg.MinValues <= 0 {
		cfg.MinValues = defaultMinValues
	}
	if cfg.Aliases == nil {
		cfg.Aliases = DefaultAliases()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = source.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{cfg: cfg, clock: clock, logger: logger, words: make(map[string]*regexp.Regexp, len(cfg.ValueNames))}
	for _, name := range cfg.ValueNames {
		c.words[name] = wordPattern(c.labels(name))
	}
	if len(strategies) == 0 {
		strategies = c.defaultStrategies()
	}
	c.strategies = strategies
	return c
}

// Strategies returns the strategy names in execution order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name
	}
	return names
}

// Run tries each strategy in order and returns the first acceptable result.
func (c *Chain) Run(ctx context.Context, target Target) (source.Extraction, source.FallbackInfo, error) {
	tried := make([]string, 0, len(c.strategies))
	for i, strategy := range c.strategies {
		if err := ctx.Err(); err != nil {
			return source.Extraction{}, source.FallbackInfo{}, fmt.Errorf("fallback canceled: %w", err)
		}
		tried = append(tried, strategy.Name)
		start := c.clock.Now()
		values, err := c.runStrategy(ctx, strategy, target)
		elapsed := c.clock.Now().Sub(start)
		if elapsed < 0 {
			elapsed = 0
		}
		logger := c.logger.With(
			zap.Stringer("job_id", target.JobID),
			zap.String("strategy", strategy.Name),
			zap.Int("index", i+1),
			zap.Duration("dur", elapsed),
		)
		if err != nil {
			logger.Debug("fallback strategy failed", zap.Error(err))
			continue
		}
		found := values.FoundOf(c.cfg.ValueNames)
		if found < c.cfg.MinValues {
			logger.Debug("fallback strategy result rejected", zap.Int("found", found), zap.Int("required", c.cfg.MinValues))
			continue
		}
		info := source.FallbackInfo{
			Strategy: strategy.Name,
			Index:    i + 1,
			Duration: elapsed,
			Quality:  source.ClassifyAccepted(found),
		}
		logger.Info("fallback strategy accepted", zap.Int("found", found), zap.String("quality", string(info.Quality)))
		return source.Extraction{
			Date:   c.clock.Now().Format(time.DateOnly),
			Values: c.project(values),
		}, info, nil
	}
	return source.Extraction{}, source.FallbackInfo{}, &ExhaustedError{JobID: target.JobID, Tried: tried}
}

func (c *Chain) runStrategy(ctx context.Context, strategy Strategy, target Target) (values source.Values, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", strategy.Name, r)
		}
	}()
	if strategy.Run == nil {
		return nil, fmt.Errorf("strategy %s has no implementation", strategy.Name)
	}
	return strategy.Run(ctx, target)
}

// project keeps only the configured value names, recording misses as nil.
func (c *Chain) project(values source.Values) source.Values {
	out := make(source.Values, len(c.cfg.ValueNames))
	for _, name := range c.cfg.ValueNames {
		if v, ok := values[name]; ok && v != nil {
			s := *v
			out[name] = &s
			continue
		}
		out[name] = nil
	}
	return out
}
