package pipeline

import (
	"regexp"
	"strconv"
	"strings"
)

// Model output is loosely structured text; extraction is best-effort pattern
// matching, never a phase failure. A missing score yields a nil entry so the
// dashboard can distinguish "not scored" from zero.
var scorePattern = regexp.MustCompile(`"score"\s*:\s*(-?\d+(?:\.\d+)?)`)

// ExtractScore pulls a numeric score from a `"score": <number>` fragment in
// the raw output. Returns nil when no score is present or it fails to parse.
func ExtractScore(raw string) map[string]any {
	m := scorePattern.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return map[string]any{"score": score}
}

// ExtractWordCount records the whitespace-delimited word count of the output.
func ExtractWordCount(raw string) map[string]any {
	return map[string]any{"word_count": len(strings.Fields(raw))}
}

// ExtractScoreAndWordCount merges both extractions; score may be absent.
func ExtractScoreAndWordCount(raw string) map[string]any {
	out := ExtractWordCount(raw)
	if s := ExtractScore(raw); s != nil {
		out["score"] = s["score"]
	}
	return out
}
