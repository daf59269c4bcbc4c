package review

import (
	"strings"
	"testing"
)

func TestParseAnalysisDirect(t *testing.T) {
	raw := `{
		"overallScore": 7.5,
		"summary": "Solid change with minor issues.",
		"issues": [
			{"severity": "high", "type": "bug", "file": "main.go", "line": 42, "message": "nil map write"}
		],
		"suggestions": [
			{"description": "Add a regression test", "priority": "medium"}
		]
	}`

	result := ParseAnalysis(raw)
	if result.Method != MethodDirect {
		t.Fatalf("Method = %v, want %v", result.Method, MethodDirect)
	}
	a := result.Analysis
	if a.OverallScore != 7.5 {
		t.Errorf("OverallScore = %v, want 7.5", a.OverallScore)
	}
	if a.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", a.Confidence)
	}
	if len(a.Issues) != 1 || a.Issues[0].Severity != "high" || a.Issues[0].Line != 42 {
		t.Errorf("Issues = %+v", a.Issues)
	}
	if len(a.Suggestions) != 1 || a.Suggestions[0].Description != "Add a regression test" {
		t.Errorf("Suggestions = %+v", a.Suggestions)
	}
	if a.RawResponse != "" {
		t.Error("RawResponse should be empty for direct parse")
	}
}

func TestParseAnalysisFenced(t *testing.T) {
	raw := "Here is my review of the pull request:\n\n" +
		"```json\n" +
		`{"overallScore": 8.2, "summary": "Looks solid", "issues": [], "suggestions": []}` +
		"\n```\n\nLet me know if you need more detail."

	result := ParseAnalysis(raw)
	if result.Method != MethodFenced {
		t.Fatalf("Method = %v, want %v", result.Method, MethodFenced)
	}
	if result.Analysis.OverallScore != 8.2 {
		t.Errorf("OverallScore = %v, want 8.2", result.Analysis.OverallScore)
	}
	if result.Analysis.Summary != "Looks solid" {
		t.Errorf("Summary = %q", result.Analysis.Summary)
	}
	if result.Analysis.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", result.Analysis.Confidence)
	}
}

func TestParseAnalysisBraceSpan(t *testing.T) {
	raw := `Sure! Here is the analysis you asked for: {"overall_score": 6, "summary": "Needs tests", "issues": []} Hope that helps.`

	result := ParseAnalysis(raw)
	if result.Method != MethodBraces {
		t.Fatalf("Method = %v, want %v", result.Method, MethodBraces)
	}
	if result.Analysis.OverallScore != 6 {
		t.Errorf("OverallScore = %v, want 6", result.Analysis.OverallScore)
	}
	if result.Analysis.Confidence != 0.75 {
		t.Errorf("Confidence = %v, want 0.75", result.Analysis.Confidence)
	}
}

// JSON objects with no numeric score get the 5.0 default at reduced
// confidence.
func TestParseAnalysisDefaultedScoreConfidence(t *testing.T) {
	direct := ParseAnalysis(`{"summary": "ok", "issues": [], "suggestions": []}`)
	if direct.Method != MethodDirect {
		t.Fatalf("Method = %v, want %v", direct.Method, MethodDirect)
	}
	if direct.Analysis.OverallScore != 5.0 {
		t.Errorf("OverallScore = %v, want 5.0", direct.Analysis.OverallScore)
	}
	if direct.Analysis.Confidence != 0.75 {
		t.Errorf("direct Confidence = %v, want 0.75", direct.Analysis.Confidence)
	}

	fenced := ParseAnalysis("```json\n" + `{"summary": "ok"}` + "\n```")
	if fenced.Method != MethodFenced {
		t.Fatalf("Method = %v, want %v", fenced.Method, MethodFenced)
	}
	if fenced.Analysis.Confidence != 0.75 {
		t.Errorf("fenced Confidence = %v, want 0.75", fenced.Analysis.Confidence)
	}
}

func TestParseAnalysisHeuristic(t *testing.T) {
	raw := "Score: 6\nSummary: needs work\n- missing null check\n- add tests"

	result := ParseAnalysis(raw)
	if result.Method != MethodHeuristic {
		t.Fatalf("Method = %v, want %v", result.Method, MethodHeuristic)
	}
	a := result.Analysis
	if a.OverallScore != 6 {
		t.Errorf("OverallScore = %v, want 6", a.OverallScore)
	}
	if a.Summary != "needs work" {
		t.Errorf("Summary = %q, want %q", a.Summary, "needs work")
	}
	if len(a.Issues) != 2 {
		t.Fatalf("Issues = %d, want 2", len(a.Issues))
	}
	for _, issue := range a.Issues {
		if issue.Severity != "medium" {
			t.Errorf("Severity = %q, want medium", issue.Severity)
		}
	}
	if a.RawResponse != raw {
		t.Error("RawResponse should carry the original text for heuristic parse")
	}
	if a.Confidence != 0.4 {
		t.Errorf("Confidence = %v, want 0.4", a.Confidence)
	}
}

func TestParseAnalysisHeuristicSuggestions(t *testing.T) {
	raw := "The change looks reasonable overall.\n\nSuggestions:\n- split the handler into two functions\n- document the retry behavior"

	result := ParseAnalysis(raw)
	if result.Method != MethodHeuristic {
		t.Fatalf("Method = %v, want %v", result.Method, MethodHeuristic)
	}
	if len(result.Analysis.Suggestions) != 2 {
		t.Fatalf("Suggestions = %d, want 2", len(result.Analysis.Suggestions))
	}
	if result.Analysis.Summary != "The change looks reasonable overall." {
		t.Errorf("Summary = %q", result.Analysis.Summary)
	}
}

// Score lines may carry trailing punctuation, and any line mentioning
// "summary" or "overview" supplies the summary.
func TestParseAnalysisHeuristicLooseLines(t *testing.T) {
	raw := "Overall score: 6/10.\nReview summary: needs null checks.\n- guard the map access"

	result := ParseAnalysis(raw)
	if result.Method != MethodHeuristic {
		t.Fatalf("Method = %v, want %v", result.Method, MethodHeuristic)
	}
	if result.Analysis.OverallScore != 6 {
		t.Errorf("OverallScore = %v, want 6", result.Analysis.OverallScore)
	}
	if result.Analysis.Summary != "needs null checks." {
		t.Errorf("Summary = %q, want %q", result.Analysis.Summary, "needs null checks.")
	}
	if len(result.Analysis.Issues) != 1 {
		t.Errorf("Issues = %d, want 1", len(result.Analysis.Issues))
	}
}

func TestParseAnalysisFallback(t *testing.T) {
	for _, raw := range []string{
		"",
		"   \n\t\n",
		"I cannot review this pull request.",
		"{]]][[ not json at all",
	} {
		t.Run(raw, func(t *testing.T) {
			result := ParseAnalysis(raw)
			if result.Method != MethodFallback {
				t.Fatalf("Method = %v, want %v", result.Method, MethodFallback)
			}
			a := result.Analysis
			if a == nil {
				t.Fatal("Analysis is nil")
			}
			if a.Issues == nil || a.Suggestions == nil {
				t.Error("Issues and Suggestions must be non-nil")
			}
			if a.OverallScore < 0 || a.OverallScore > 10 {
				t.Errorf("OverallScore = %v, out of range", a.OverallScore)
			}
			if a.RawResponse != raw {
				t.Error("RawResponse should carry the original text")
			}
			if a.Confidence != 0.1 {
				t.Errorf("Confidence = %v, want 0.1", a.Confidence)
			}
		})
	}
}

// A one-line summary with no score or bullets should still land in the
// fallback, not the heuristic.
func TestParseAnalysisProseWithoutStructure(t *testing.T) {
	result := ParseAnalysis("This is just prose that says nothing structured about the code.")
	if result.Method != MethodFallback {
		t.Errorf("Method = %v, want %v", result.Method, MethodFallback)
	}
}

func TestParseAnalysisScoreClamping(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`{"overallScore": 15, "summary": "x"}`, 10},
		{`{"overallScore": -3, "summary": "x"}`, 0},
		{`{"overallScore": 0, "summary": "x"}`, 0},
		{`{"overallScore": 10, "summary": "x"}`, 10},
	}
	for _, tt := range tests {
		result := ParseAnalysis(tt.raw)
		if result.Analysis.OverallScore != tt.want {
			t.Errorf("ParseAnalysis(%s).OverallScore = %v, want %v", tt.raw, result.Analysis.OverallScore, tt.want)
		}
	}
}

func TestParseAnalysisSuggestionForms(t *testing.T) {
	raw := `{
		"overallScore": 7,
		"summary": "ok",
		"suggestions": [
			"plain string suggestion",
			{"description": "object suggestion", "file": "a.go", "priority": "high"},
			{"text": "text-keyed suggestion"}
		]
	}`

	result := ParseAnalysis(raw)
	s := result.Analysis.Suggestions
	if len(s) != 3 {
		t.Fatalf("Suggestions = %d, want 3", len(s))
	}
	if s[0].Description != "plain string suggestion" {
		t.Errorf("s[0] = %+v", s[0])
	}
	if s[1].Description != "object suggestion" || s[1].File != "a.go" {
		t.Errorf("s[1] = %+v", s[1])
	}
	if s[2].Description != "text-keyed suggestion" {
		t.Errorf("s[2] = %+v", s[2])
	}
}

func TestParseAnalysisIssueNormalization(t *testing.T) {
	raw := `{
		"overallScore": 4,
		"summary": "issues found",
		"issues": [
			"bare string issue",
			{"severity": "CRITICAL", "message": "cased severity"},
			{"severity": "bogus", "message": "unknown severity"},
			{"severity": "info", "message": "info maps to low"},
			{"message": "   "}
		]
	}`

	result := ParseAnalysis(raw)
	issues := result.Analysis.Issues
	if len(issues) != 4 {
		t.Fatalf("Issues = %d, want 4 (blank message dropped)", len(issues))
	}
	wantSeverities := []string{"medium", "critical", "medium", "low"}
	for i, want := range wantSeverities {
		if issues[i].Severity != want {
			t.Errorf("issues[%d].Severity = %q, want %q", i, issues[i].Severity, want)
		}
		if issues[i].Type == "" {
			t.Errorf("issues[%d].Type is empty, want a default", i)
		}
	}
}

// Totality: any input yields a non-nil analysis with invariants held.
func TestParseAnalysisTotality(t *testing.T) {
	inputs := []string{
		"",
		"{",
		"}{",
		"```json\nnot json\n```",
		`{"issues": "not an array"}`,
		strings.Repeat("a", 10000),
		"score: 99\n",
		"{\"overallScore\": \"not a number\", \"summary\": \"s\"}",
	}
	for _, raw := range inputs {
		result := ParseAnalysis(raw)
		if result == nil || result.Analysis == nil {
			t.Fatalf("ParseAnalysis(%.30q) returned nil", raw)
		}
		a := result.Analysis
		if a.Issues == nil || a.Suggestions == nil {
			t.Errorf("ParseAnalysis(%.30q): nil slices", raw)
		}
		if a.OverallScore < 0 || a.OverallScore > 10 {
			t.Errorf("ParseAnalysis(%.30q): score %v out of range", raw, a.OverallScore)
		}
	}
}
