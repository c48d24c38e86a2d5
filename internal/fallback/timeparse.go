package fallback

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// timeToken matches clock times such as 5:12, 05.12, 5:12 pm, 17:45.
const timeToken = `(\d{1,2})[:.](\d{2})(?:\s*([aApP])\.?\s*[mM]\.?)?`

var timePattern = regexp.MustCompile(`\b` + timeToken + `\b`)

// DefaultAliases returns alternative spellings commonly used for each value name.
func DefaultAliases() map[string][]string {
	return map[string][]string{
		"fajr":    {"fajr", "fajar", "subuh", "dawn"},
		"dhuhr":   {"dhuhr", "zuhr", "zohr", "duhr", "dhuhur", "noon"},
		"asr":     {"asr", "asar", "afternoon"},
		"maghrib": {"maghrib", "magrib", "sunset"},
		"isha":    {"isha", "ishaa", "esha", "night"},
	}
}

// NormalizeTime converts a raw time token to 24-hour HH:MM. It returns false
// when raw does not hold a plausible clock time. Date fragments such as the
// "17.10" of "17.10.2026" are not clock times.
func NormalizeTime(raw string) (string, bool) {
	return firstTime(strings.TrimSpace(raw))
}

// timeMatches returns the submatches of re in text whose time token is not
// part of a date.
func timeMatches(re *regexp.Regexp, text string) [][]string {
	var out [][]string
	for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
		// Group 1 is the hour of timeToken; the time runs to the end of the match.
		if partOfDate(text, idx[2], idx[1]) {
			continue
		}
		m := make([]string, len(idx)/2)
		for i := range m {
			if idx[2*i] >= 0 {
				m[i] = text[idx[2*i]:idx[2*i+1]]
			}
		}
		out = append(out, m)
	}
	return out
}

// partOfDate reports whether text[start:end] continues into, or follows, a
// dot or slash and another digit group. Seconds ("05:30:00") are allowed.
func partOfDate(text string, start, end int) bool {
	if end+1 < len(text) && isDateSep(text[end]) && isDigit(text[end+1]) {
		return true
	}
	return start >= 2 && isDateSep(text[start-1]) && isDigit(text[start-2])
}

func isDateSep(b byte) bool { return b == '.' || b == '/' }

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func normalizeMatch(m []string) (string, bool) {
	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return "", false
	}
	minute, err := strconv.Atoi(m[2])
	if err != nil || minute > 59 {
		return "", false
	}
	switch strings.ToLower(m[3]) {
	case "p":
		if hour < 12 {
			hour += 12
		}
	case "a":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

// findTimes returns every plausible time in text, in document order.
func findTimes(text string) []string {
	var out []string
	for _, m := range timeMatches(timePattern, text) {
		if t, ok := normalizeMatch(m); ok {
			out = append(out, t)
		}
	}
	return out
}

// firstTime returns the first plausible time in text.
func firstTime(text string) (string, bool) {
	times := findTimes(text)
	if len(times) == 0 {
		return "", false
	}
	return times[0], true
}

// labelPattern matches a label followed closely by a time.
func labelPattern(labels []string) *regexp.Regexp {
	quoted := make([]string, 0, len(labels))
	for _, l := range labels {
		quoted = append(quoted, regexp.QuoteMeta(l))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b[^0-9\n]{0,40}?` + timeToken)
}

// wordPattern matches any of labels as a whole token. Letters and digits on
// either side disqualify a match, so "noon" does not match "afternoon" while
// "fajr" still matches "fajr-time".
func wordPattern(labels []string) *regexp.Regexp {
	quoted := make([]string, 0, len(labels))
	for _, l := range labels {
		quoted = append(quoted, regexp.QuoteMeta(l))
	}
	return regexp.MustCompile(`(?i)(?:^|[^\pL\pN])(?:` + strings.Join(quoted, "|") + `)(?:$|[^\pL\pN])`)
}
