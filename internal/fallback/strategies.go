package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/timetable-refresher/internal/source"
)

// Built-in strategy names, in execution order.
const (
	StrategyTextPattern    = "text-pattern"
	StrategySelectorScan   = "selector-scan"
	StrategyProximityScan  = "proximity-scan"
	StrategyDeepScan       = "deep-scan"
	StrategyStaticDefaults = "static-defaults"
)

var errNoDefaults = errors.New("no static defaults configured")

func (c *Chain) defaultStrategies() []Strategy {
	return []Strategy{
		{Name: StrategyTextPattern, Run: c.textPattern},
		{Name: StrategySelectorScan, Run: c.selectorScan},
		{Name: StrategyProximityScan, Run: c.proximityScan},
		{Name: StrategyDeepScan, Run: c.deepScan},
		{Name: StrategyStaticDefaults, Run: c.staticDefaults},
	}
}

func (c *Chain) labels(name string) []string {
	labels := []string{name}
	for _, alias := range c.cfg.Aliases[name] {
		if !strings.EqualFold(alias, name) {
			labels = append(labels, alias)
		}
	}
	return labels
}

// textPattern looks for "<label> ... <time>" in the visible page text.
func (c *Chain) textPattern(ctx context.Context, target Target) (source.Values, error) {
	text, err := target.Page.Text(ctx)
	if err != nil {
		return nil, err
	}
	values := source.Values{}
	for _, name := range c.cfg.ValueNames {
		for _, m := range timeMatches(labelPattern(c.labels(name)), text) {
			if t, ok := normalizeMatch(m); ok {
				values[name] = source.Value(t)
				break
			}
		}
	}
	return values, nil
}

// selectorScan scans elements whose class, id, or data attributes name a value.
func (c *Chain) selectorScan(ctx context.Context, target Target) (source.Values, error) {
	html, err := target.Page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}
	values := source.Values{}
	c.scanSelectors(doc.Selection, values)
	return values, nil
}

func (c *Chain) scanSelectors(root *goquery.Selection, values source.Values) {
	for _, name := range c.cfg.ValueNames {
		if _, done := values[name]; done {
			continue
		}
		for _, label := range c.labels(name) {
			label = strings.ToLower(label)
			selector := fmt.Sprintf(
				`[class*=%q], [id*=%q], [data-prayer=%q], [data-name=%q]`,
				label, label, label, label,
			)
			root.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
				if !c.namesValue(sel, name) {
					return true
				}
				if t, ok := firstTime(sel.Text()); ok {
					values[name] = source.Value(t)
					return false
				}
				if sel.Next().Length() > 0 {
					if t, ok := firstTime(sel.Next().Text()); ok {
						values[name] = source.Value(t)
						return false
					}
				}
				return true
			})
			if _, done := values[name]; done {
				break
			}
		}
	}
}

// proximityScan ignores labels and assigns the first times on the page to
// value names in their canonical order.
func (c *Chain) proximityScan(ctx context.Context, target Target) (source.Values, error) {
	text, err := target.Page.Text(ctx)
	if err != nil {
		return nil, err
	}
	times := dedupeAdjacent(findTimes(text))
	values := source.Values{}
	if len(times) < c.cfg.MinValues {
		return values, nil
	}
	for i, name := range c.cfg.ValueNames {
		if i >= len(times) {
			break
		}
		values[name] = source.Value(times[i])
	}
	return values, nil
}

// deepScan walks frame documents and every table, including nested ones,
// matching rows whose leading cells name a value.
func (c *Chain) deepScan(ctx context.Context, target Target) (source.Values, error) {
	docs, err := target.Page.FramesHTML(ctx)
	if err != nil {
		docs = nil
	}
	html, err := target.Page.HTML(ctx)
	if err != nil && len(docs) == 0 {
		return nil, err
	}
	if html != "" {
		docs = append(docs, html)
	}
	values := source.Values{}
	for _, raw := range docs {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
		if err != nil {
			continue
		}
		c.scanTables(doc.Selection, values)
		c.scanSelectors(doc.Selection, values)
	}
	return values, nil
}

func (c *Chain) scanTables(root *goquery.Selection, values source.Values) {
	root.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td, th")
		if cells.Length() < 2 {
			return
		}
		label := strings.ToLower(strings.TrimSpace(cells.First().Text()))
		for _, name := range c.cfg.ValueNames {
			if _, done := values[name]; done {
				continue
			}
			if !c.labelMatches(name, label) {
				continue
			}
			if t, ok := firstTime(cells.Slice(1, cells.Length()).Text()); ok {
				values[name] = source.Value(t)
			}
		}
	})
}

func (c *Chain) labelMatches(name, label string) bool {
	re, ok := c.words[name]
	return ok && re.MatchString(label)
}

// namesValue reports whether one of sel's naming attributes holds a label of
// name as a whole token.
func (c *Chain) namesValue(sel *goquery.Selection, name string) bool {
	for _, attr := range []string{"class", "id", "data-prayer", "data-name"} {
		if v, ok := sel.Attr(attr); ok && c.labelMatches(name, v) {
			return true
		}
	}
	return false
}

// staticDefaults returns the configured table for the job's location.
func (c *Chain) staticDefaults(_ context.Context, target Target) (source.Values, error) {
	table, ok := c.cfg.Defaults[target.Location]
	if !ok {
		table, ok = c.cfg.Defaults["*"]
	}
	if !ok || len(table) == 0 {
		return nil, fmt.Errorf("location %q: %w", target.Location, errNoDefaults)
	}
	values := source.Values{}
	for name, raw := range table {
		if t, ok := NormalizeTime(raw); ok {
			values[name] = source.Value(t)
		}
	}
	return values, nil
}

func dedupeAdjacent(times []string) []string {
	out := times[:0:0]
	for i, t := range times {
		if i > 0 && times[i-1] == t {
			continue
		}
		out = append(out, t)
	}
	return out
}
