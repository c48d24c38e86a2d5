package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/timetable-refresher/internal/source"
)

type fakePage struct {
	text       string
	html       string
	frames     []string
	err        error
	frameCalls atomic.Int32
}

func (p *fakePage) Text(context.Context) (string, error) { return p.text, p.err }
func (p *fakePage) HTML(context.Context) (string, error) { return p.html, p.err }

func (p *fakePage) FramesHTML(context.Context) ([]string, error) {
	p.frameCalls.Add(1)
	return p.frames, p.err
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC)

func newTestChain(cfg Config, strategies ...Strategy) *Chain {
	cfg.Clock = fixedClock{now: testNow}
	return NewChain(cfg, strategies...)
}

func TestChainTextPatternWins(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{})
	page := &fakePage{text: "Fajr 5:12 am\nZuhr: 1:05 pm\nAsr 4.30 PM\nMaghrib 18:02\nIsha - 19:30"}

	extraction, info, err := chain.Run(context.Background(), Target{JobID: 1, Location: "north", Page: page})
	require.NoError(t, err)
	require.Equal(t, StrategyTextPattern, info.Strategy)
	require.Equal(t, 1, info.Index)
	require.Equal(t, source.QualityTop, info.Quality)
	require.GreaterOrEqual(t, info.Duration, time.Duration(0))
	require.Equal(t, "2026-10-17", extraction.Date)
	require.Equal(t, "05:12", *extraction.Values["fajr"])
	require.Equal(t, "13:05", *extraction.Values["dhuhr"])
	require.Equal(t, "16:30", *extraction.Values["asr"])
	require.Equal(t, "18:02", *extraction.Values["maghrib"])
	require.Equal(t, "19:30", *extraction.Values["isha"])
}

func TestChainSelectorScan(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{})
	page := &fakePage{html: `<html><body>
		<div class="fajr-time">05:10</div>
		<div class="prayer-dhuhr">12:30</div>
		<span id="asr">15:45</span>
	</body></html>`}

	extraction, info, err := chain.Run(context.Background(), Target{JobID: 2, Page: page})
	require.NoError(t, err)
	require.Equal(t, StrategySelectorScan, info.Strategy)
	require.Equal(t, 2, info.Index)
	require.Equal(t, source.QualityMedium, info.Quality)
	require.Equal(t, "15:45", *extraction.Values["asr"])
	require.Nil(t, extraction.Values["maghrib"])
	require.Contains(t, extraction.Values, "isha")
}

func TestChainProximityScanShortCircuits(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{
		Defaults: map[string]map[string]string{"north": {"fajr": "04:00", "dhuhr": "12:00", "asr": "15:00"}},
	})
	page := &fakePage{
		text: "Today 05:10 12:30 15:45 18:20 19:50",
		html: "<html><body><p>05:10</p></body></html>",
	}

	extraction, info, err := chain.Run(context.Background(), Target{JobID: 3, Location: "north", Page: page})
	require.NoError(t, err)
	require.Equal(t, StrategyProximityScan, info.Strategy)
	require.Equal(t, 3, info.Index)
	require.Equal(t, "05:10", *extraction.Values["fajr"])
	require.Equal(t, "19:50", *extraction.Values["isha"])
	require.Zero(t, page.frameCalls.Load(), "deep scan must not run after an accepted strategy")
}

func TestChainDeepScanFramesAndNestedTables(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{})
	page := &fakePage{frames: []string{`<table><tr><td>
		<table>
			<tr><td>Fajr</td><td>05:01</td></tr>
			<tr><td>Dhuhr</td><td>12:11</td></tr>
			<tr><td>Asr</td><td>15:21</td></tr>
			<tr><td>Maghrib</td><td>18:31</td></tr>
		</table>
	</td></tr></table>`}}

	extraction, info, err := chain.Run(context.Background(), Target{JobID: 4, Page: page})
	require.NoError(t, err)
	require.Equal(t, StrategyDeepScan, info.Strategy)
	require.Equal(t, 4, info.Index)
	require.Equal(t, source.QualityHigh, info.Quality)
	require.Equal(t, "18:31", *extraction.Values["maghrib"])
	require.Nil(t, extraction.Values["isha"])
}

func TestChainStaticDefaultsWildcard(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{
		Defaults: map[string]map[string]string{
			"*": {"fajr": "5:00", "dhuhr": "12:00", "asr": "3:30 pm", "maghrib": "18:00", "isha": "19:30"},
		},
	})
	page := &fakePage{}

	extraction, info, err := chain.Run(context.Background(), Target{JobID: 5, Location: "south", Page: page})
	require.NoError(t, err)
	require.Equal(t, StrategyStaticDefaults, info.Strategy)
	require.Equal(t, 5, info.Index)
	require.Equal(t, "15:30", *extraction.Values["asr"])
}

func TestChainExhausted(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{})
	page := &fakePage{err: errors.New("tab crashed")}

	_, _, err := chain.Run(context.Background(), Target{JobID: 6, Page: page})
	require.ErrorIs(t, err, ErrExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, source.JobID(6), exhausted.JobID)
	require.Equal(t, chain.Strategies(), exhausted.Tried)
}

func TestChainRecoversFromPanics(t *testing.T) {
	t.Parallel()

	three := source.Values{"fajr": source.Value("05:00"), "dhuhr": source.Value("12:00"), "asr": source.Value("15:00")}
	chain := newTestChain(Config{},
		Strategy{Name: "boom", Run: func(context.Context, Target) (source.Values, error) { panic("bad selector") }},
		Strategy{Name: "broken", Run: func(context.Context, Target) (source.Values, error) { return nil, errors.New("nope") }},
		Strategy{Name: "thin", Run: func(context.Context, Target) (source.Values, error) {
			return source.Values{"fajr": source.Value("05:00")}, nil
		}},
		Strategy{Name: "good", Run: func(context.Context, Target) (source.Values, error) { return three, nil }},
	)

	_, info, err := chain.Run(context.Background(), Target{JobID: 7, Page: &fakePage{}})
	require.NoError(t, err)
	require.Equal(t, "good", info.Strategy)
	require.Equal(t, 4, info.Index)
}

func TestChainHonorsMinValues(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{MinValues: 5})
	page := &fakePage{text: "Fajr 05:00 Dhuhr 12:00 Asr 15:00 Maghrib 18:00"}

	_, info, err := chain.Run(context.Background(), Target{JobID: 8, Page: page})
	require.ErrorIs(t, err, ErrExhausted)
	require.Zero(t, info.Index)
}

func TestChainStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := newTestChain(Config{}).Run(ctx, Target{JobID: 9, Page: &fakePage{}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeTime(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"5:12":     "05:12",
		"05.12":    "05:12",
		"5:12 pm":  "17:12",
		"12:05 AM": "00:05",
		"12:30 pm": "12:30",
		"7:45p.m.": "19:45",
	}
	for raw, want := range cases {
		got, ok := NormalizeTime(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}

	got, ok := NormalizeTime("05:30:00")
	require.True(t, ok)
	require.Equal(t, "05:30", got)

	for _, raw := range []string{"", "abc", "25:00", "10:75", "17.10.2026", "2026.10.17", "17/10.20"} {
		_, ok := NormalizeTime(raw)
		require.False(t, ok, raw)
	}
}

func TestChainIgnoresDatesInPageText(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{})
	page := &fakePage{text: "Horaires du 17.10.2026\nSobh 06:45\nDohr 13:40\nAsr 16:50\nMaghreb 18:55\nIcha 20:10"}

	extraction, info, err := chain.Run(context.Background(), Target{JobID: 10, Page: page})
	require.NoError(t, err)
	require.Equal(t, StrategyProximityScan, info.Strategy)
	require.Equal(t, "06:45", *extraction.Values["fajr"])
	require.Equal(t, "13:40", *extraction.Values["dhuhr"])
	require.Equal(t, "20:10", *extraction.Values["isha"])
}

func TestChainTextPatternSkipsDatedLabel(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{MinValues: 1})
	page := &fakePage{text: "Fajr 17.10.2026"}

	_, info, err := chain.Run(context.Background(), Target{JobID: 11, Page: page})
	require.ErrorIs(t, err, ErrExhausted)
	require.Zero(t, info.Index)
}

func TestChainMatchesAliasesAsWholeWords(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{})
	page := &fakePage{html: `<html><body>
		<div class="afternoon-slot">14:00</div>
		<div class="midnight">00:10</div>
		<div class="fajr-time">05:10</div>
		<div class="prayer_dhuhr">12:30</div>
		<span id="asr">15:45</span>
		<table><tr><td>Afternoon tea</td><td>16:00</td></tr></table>
	</body></html>`}

	extraction, info, err := chain.Run(context.Background(), Target{JobID: 12, Page: page})
	require.NoError(t, err)
	require.Equal(t, StrategySelectorScan, info.Strategy)
	require.Equal(t, "05:10", *extraction.Values["fajr"])
	require.Equal(t, "12:30", *extraction.Values["dhuhr"])
	require.Equal(t, "15:45", *extraction.Values["asr"])
	require.Nil(t, extraction.Values["isha"], "midnight must not match the night alias")

	require.False(t, chain.labelMatches("dhuhr", "afternoon"))
	require.False(t, chain.labelMatches("isha", "midnight"))
	require.True(t, chain.labelMatches("dhuhr", "noon prayer"))
	require.True(t, chain.labelMatches("isha", "isha'a"))
}

func TestChainLowThresholdStillRatesAccepted(t *testing.T) {
	t.Parallel()

	chain := newTestChain(Config{MinValues: 2})
	page := &fakePage{text: "Fajr 05:00\nDhuhr 12:00"}

	_, info, err := chain.Run(context.Background(), Target{JobID: 13, Page: page})
	require.NoError(t, err)
	require.Equal(t, StrategyTextPattern, info.Strategy)
	require.Equal(t, source.QualityMedium, info.Quality)
}
