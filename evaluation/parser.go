package evaluation

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BaSui01/agentroom/types"
)

// Fallback verdict for output that cannot be parsed.
const (
	FallbackScore  = 0.7
	FallbackResult = types.ResultNeedsImprovement
)

// maxRawFeedback caps how much unparsed output is kept as feedback.
const maxRawFeedback = 2000

// Verdict is one evaluator's parsed opinion.
type Verdict struct {
	Score       float64
	Result      types.EvaluationResult
	Feedback    string
	Suggestions string
	// Defaulted is set when the fallback verdict was used.
	Defaulted bool
}

type rawVerdict struct {
	Score       json.RawMessage `json:"score"`
	Result      string          `json:"result"`
	Feedback    string          `json:"feedback"`
	Suggestions json.RawMessage `json:"suggestions"`
}

// ParseVerdict extracts {score, result, feedback, suggestions} from evaluator
// output. A missing or unknown result, or no JSON object at all, gives the
// fallback verdict. A missing score with a valid result scores FallbackScore.
func ParseVerdict(text string) Verdict {
	fallback := Verdict{
		Score:     FallbackScore,
		Result:    FallbackResult,
		Feedback:  truncate(strings.TrimSpace(text), maxRawFeedback),
		Defaulted: true,
	}

	obj := extractJSON(text)
	if obj == "" {
		return fallback
	}
	var raw rawVerdict
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return fallback
	}

	result, ok := types.ParseEvaluationResult(raw.Result)
	if !ok {
		if raw.Feedback != "" {
			fallback.Feedback = raw.Feedback
		}
		fallback.Suggestions = suggestionsText(raw.Suggestions)
		return fallback
	}

	score, ok := scoreValue(raw.Score)
	if !ok {
		score = FallbackScore
	}
	return Verdict{
		Score:       clamp(score, 0, 1),
		Result:      result,
		Feedback:    raw.Feedback,
		Suggestions: suggestionsText(raw.Suggestions),
	}
}

// extractJSON returns the text between the first '{' and the last '}'.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// scoreValue accepts a JSON number or a numeric string.
func scoreValue(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	return 0, false
}

// suggestionsText accepts a string or a list of strings.
func suggestionsText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "\n")
	}
	return ""
}

func clamp(value, lo, hi float64) float64 {
	if math.IsNaN(value) || value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
