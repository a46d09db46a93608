package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"mailtriage/internal/model"
)

var errNoJSONObject = errors.New("no JSON object in classifier output")

type rawResult struct {
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// parseClassification defensively parses the model output. Models sometimes
// wrap the JSON in prose or markdown fences, so a strict parse is followed by
// a second pass that extracts the first balanced JSON object from the text.
func parseClassification(raw string) (model.Classification, error) {
	var parsed rawResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		extracted, exErr := extractJSONObject(raw)
		if exErr != nil {
			return model.Classification{}, fmt.Errorf("unparseable classifier output: %w", err)
		}
		if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
			return model.Classification{}, fmt.Errorf("unparseable embedded JSON: %w", err)
		}
	}

	category, ok := model.ParseCategory(parsed.Category)
	if !ok {
		return model.Classification{}, fmt.Errorf("category %q outside the fixed set", parsed.Category)
	}

	confidence := 0.5
	if parsed.Confidence != nil && !math.IsNaN(*parsed.Confidence) && !math.IsInf(*parsed.Confidence, 0) {
		confidence = math.Min(1.0, math.Max(0.0, *parsed.Confidence))
	}

	rationale := parsed.Rationale
	if rationale == "" {
		rationale = "classified by model"
	}

	return model.Classification{
		Category:   category,
		Confidence: confidence,
		Rationale:  rationale,
		Source:     model.SourceAI,
	}, nil
}

// extractJSONObject returns the first balanced top-level JSON object embedded
// in s, tracking string literals and escapes so braces inside strings do not
// confuse the balance count.
func extractJSONObject(s string) (string, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return s[start : i+1], nil
				}
			}
		}
	}
	return "", errNoJSONObject
}
