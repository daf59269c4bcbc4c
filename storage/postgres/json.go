package postgres

import (
	"encoding/json"

	"github.com/reviewgate/reviewgate/storage"
)

// analysisToJSON converts an analysis to a JSON value for the JSONB column.
func analysisToJSON(analysis *storage.AIAnalysis) any {
	if analysis == nil {
		return nil
	}
	b, err := json.Marshal(analysis)
	if err != nil {
		return nil
	}
	return string(b)
}

// analysisFromJSON parses a JSONB value into an analysis.
func analysisFromJSON(s string) *storage.AIAnalysis {
	if s == "" || s == "null" {
		return nil
	}
	var analysis storage.AIAnalysis
	if err := json.Unmarshal([]byte(s), &analysis); err != nil {
		return nil
	}
	return &analysis
}
