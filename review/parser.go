package review

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/reviewgate/reviewgate/storage"
)

// Method records which extraction strategy produced an analysis.
type Method string

const (
	MethodDirect    Method = "direct"
	MethodFenced    Method = "fenced"
	MethodBraces    Method = "braces"
	MethodHeuristic Method = "heuristic"
	MethodFallback  Method = "fallback"
)

// ParseResult pairs an analysis with the strategy that produced it.
type ParseResult struct {
	Analysis *storage.AIAnalysis
	Method   Method
}

var (
	fencedJSONRe = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	scoreLineRe  = regexp.MustCompile(`(?im)^\s*(?:overall\s+)?score\s*[:=]?\s*(\d+(?:\.\d+)?)\s*(?:/\s*10)?\s*[.!]?\s*$`)
	bulletRe     = regexp.MustCompile(`^\s*[-*•]\s+(.+)$`)
)

// ParseAnalysis extracts a structured analysis from a model response. It
// tries strategies in decreasing order of strictness and always returns a
// usable result, down to a minimal placeholder for unusable input.
func ParseAnalysis(raw string) *ParseResult {
	trimmed := strings.TrimSpace(raw)

	if analysis, hasScore := decodeAnalysis(trimmed); analysis != nil {
		analysis.Confidence = jsonConfidence(1.0, hasScore)
		return &ParseResult{Analysis: analysis, Method: MethodDirect}
	}

	if candidate := extractFencedJSON(trimmed); candidate != "" {
		if analysis, hasScore := decodeAnalysis(candidate); analysis != nil {
			analysis.Confidence = jsonConfidence(0.9, hasScore)
			return &ParseResult{Analysis: analysis, Method: MethodFenced}
		}
	}

	if candidate := extractBraceSpan(trimmed); candidate != "" {
		if analysis, _ := decodeAnalysis(candidate); analysis != nil {
			analysis.Confidence = 0.75
			return &ParseResult{Analysis: analysis, Method: MethodBraces}
		}
	}

	if analysis := extractHeuristic(trimmed); analysis != nil {
		analysis.Confidence = 0.4
		analysis.RawResponse = raw
		return &ParseResult{Analysis: analysis, Method: MethodHeuristic}
	}

	return &ParseResult{
		Analysis: &storage.AIAnalysis{
			OverallScore: 5.0,
			Summary:      "Automated review could not be structured; see raw response.",
			Issues:       []storage.Issue{},
			Suggestions:  []storage.Suggestion{},
			Confidence:   0.1,
			RawResponse:  raw,
		},
		Method: MethodFallback,
	}
}

// looseAnalysis tolerates the shape drift models produce: alternate score
// keys, issues as strings, suggestions as strings or objects.
type looseAnalysis struct {
	OverallScore *float64          `json:"overallScore"`
	AltScore     *float64          `json:"overall_score"`
	Score        *float64          `json:"score"`
	Summary      string            `json:"summary"`
	Issues       []looseIssue      `json:"issues"`
	Suggestions  []looseSuggestion `json:"suggestions"`
}

type looseIssue struct {
	Severity   string
	Type       string
	File       string
	Line       int
	Message    string
	Suggestion string
}

func (i *looseIssue) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		i.Message = text
		return nil
	}
	type issueObject struct {
		Severity    string `json:"severity"`
		Type        string `json:"type"`
		File        string `json:"file"`
		Line        int    `json:"line"`
		Message     string `json:"message"`
		Description string `json:"description"`
		Suggestion  string `json:"suggestion"`
	}
	var obj issueObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	i.Severity = obj.Severity
	i.Type = obj.Type
	i.File = obj.File
	i.Line = obj.Line
	i.Message = obj.Message
	if i.Message == "" {
		i.Message = obj.Description
	}
	i.Suggestion = obj.Suggestion
	return nil
}

type looseSuggestion struct {
	Description string
	File        string
	Priority    string
}

func (s *looseSuggestion) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Description = text
		return nil
	}
	type suggestionObject struct {
		Description string `json:"description"`
		Text        string `json:"text"`
		File        string `json:"file"`
		Priority    string `json:"priority"`
	}
	var obj suggestionObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Description = obj.Description
	if s.Description == "" {
		s.Description = obj.Text
	}
	s.File = obj.File
	s.Priority = obj.Priority
	return nil
}

// jsonConfidence caps confidence when the object carried no numeric score
// and the 5.0 default was substituted.
func jsonConfidence(base float64, hasScore bool) float64 {
	if !hasScore && base > 0.75 {
		return 0.75
	}
	return base
}

// decodeAnalysis parses a JSON candidate into an analysis, or nil when the
// candidate is not JSON or carries no recognizable review content. The
// second return reports whether a numeric score was present.
func decodeAnalysis(candidate string) (*storage.AIAnalysis, bool) {
	if candidate == "" || !gjson.Valid(candidate) {
		return nil, false
	}
	parsed := gjson.Parse(candidate)
	if !parsed.IsObject() {
		return nil, false
	}
	// Require at least one review-shaped key before committing to JSON.
	if !hasAnalysisShape(parsed) {
		return nil, false
	}

	var loose looseAnalysis
	if err := json.Unmarshal([]byte(candidate), &loose); err != nil {
		return nil, false
	}

	score := 5.0
	hasScore := true
	switch {
	case loose.OverallScore != nil:
		score = *loose.OverallScore
	case loose.AltScore != nil:
		score = *loose.AltScore
	case loose.Score != nil:
		score = *loose.Score
	default:
		hasScore = false
	}

	analysis := &storage.AIAnalysis{
		OverallScore: clampScore(score),
		Summary:      strings.TrimSpace(loose.Summary),
		Issues:       make([]storage.Issue, 0, len(loose.Issues)),
		Suggestions:  make([]storage.Suggestion, 0, len(loose.Suggestions)),
	}

	for _, li := range loose.Issues {
		msg := strings.TrimSpace(li.Message)
		if msg == "" {
			continue
		}
		analysis.Issues = append(analysis.Issues, storage.Issue{
			Severity:   normalizeSeverity(li.Severity),
			Type:       normalizeIssueType(li.Type),
			File:       li.File,
			Line:       li.Line,
			Message:    msg,
			Suggestion: strings.TrimSpace(li.Suggestion),
		})
	}
	for _, ls := range loose.Suggestions {
		desc := strings.TrimSpace(ls.Description)
		if desc == "" {
			continue
		}
		analysis.Suggestions = append(analysis.Suggestions, storage.Suggestion{
			Description: desc,
			File:        ls.File,
			Priority:    ls.Priority,
		})
	}
	return analysis, hasScore
}

func hasAnalysisShape(parsed gjson.Result) bool {
	for _, key := range []string{"overallScore", "overall_score", "score"} {
		if v := parsed.Get(key); v.Exists() && v.Type == gjson.Number {
			return true
		}
	}
	for _, key := range []string{"summary", "issues", "suggestions"} {
		if parsed.Get(key).Exists() {
			return true
		}
	}
	return false
}

func extractFencedJSON(text string) string {
	matches := fencedJSONRe.FindStringSubmatch(text)
	if len(matches) < 2 {
		return ""
	}
	return strings.TrimSpace(matches[1])
}

// extractBraceSpan returns the widest substring from the first '{' to the
// last '}'. Nested objects survive; trailing prose does not.
func extractBraceSpan(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// extractHeuristic mines plain prose for a score line, a summary line, and
// bulleted findings. Returns nil when nothing usable is present.
func extractHeuristic(text string) *storage.AIAnalysis {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	analysis := &storage.AIAnalysis{
		OverallScore: 5.0,
		Issues:       []storage.Issue{},
		Suggestions:  []storage.Suggestion{},
	}
	found := false

	if m := scoreLineRe.FindStringSubmatch(text); len(m) >= 2 {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil {
			analysis.OverallScore = clampScore(score)
			found = true
		}
	}

	lines := strings.Split(text, "\n")
	// Bullets default to issues; only an explicit suggestions heading
	// reroutes them.
	section := "issues"
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		// The first line mentioning "summary" or "overview" supplies the
		// summary; text after a colon wins over the whole line.
		if analysis.Summary == "" && !bulletRe.MatchString(line) &&
			(strings.Contains(lower, "summary") || strings.Contains(lower, "overview")) {
			summary := strings.TrimLeft(trimmed, "# ")
			if idx := strings.Index(summary, ":"); idx >= 0 {
				summary = summary[idx+1:]
			}
			summary = strings.TrimSpace(summary)
			if summary != "" {
				analysis.Summary = summary
				found = true
				continue
			}
		}

		if isHeadingLike(trimmed) {
			switch {
			case strings.Contains(lower, "issue") || strings.Contains(lower, "problem") || strings.Contains(lower, "concern"):
				section = "issues"
			case strings.Contains(lower, "suggest") || strings.Contains(lower, "recommend") || strings.Contains(lower, "improve"):
				section = "suggestions"
			default:
				section = "issues"
			}
			continue
		}

		m := bulletRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := strings.TrimSpace(m[1])
		if item == "" {
			continue
		}
		switch section {
		case "issues":
			analysis.Issues = append(analysis.Issues, storage.Issue{
				Severity: storage.SeverityMedium,
				Type:     "general",
				Message:  item,
			})
			found = true
		case "suggestions":
			analysis.Suggestions = append(analysis.Suggestions, storage.Suggestion{
				Description: item,
			})
			found = true
		}
	}

	if !found {
		return nil
	}
	if analysis.Summary == "" {
		analysis.Summary = firstProseLine(lines)
	}
	return analysis
}

func isHeadingLike(line string) bool {
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "#") {
		return true
	}
	return strings.HasSuffix(line, ":") && !bulletRe.MatchString(line)
}

func firstProseLine(lines []string) string {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isHeadingLike(trimmed) || bulletRe.MatchString(trimmed) || scoreLineRe.MatchString(trimmed) {
			continue
		}
		return trimmed
	}
	return "Automated review (heuristic extraction)."
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

func normalizeSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case storage.SeverityCritical:
		return storage.SeverityCritical
	case storage.SeverityHigh:
		return storage.SeverityHigh
	case storage.SeverityLow, "info", "minor":
		return storage.SeverityLow
	default:
		return storage.SeverityMedium
	}
}

func normalizeIssueType(issueType string) string {
	t := strings.ToLower(strings.TrimSpace(issueType))
	if t == "" {
		return "general"
	}
	return t
}
