package parser

import (
	"encoding/json"
	"errors"
	"strings"

	"ecosentinel/models"
)

// rawVerdict mirrors the JSON schema the vision model is prompted to emit.
// Pointer fields distinguish "absent" from zero values: an absent field is a
// rejection, never a silent default.
type rawVerdict struct {
	Authentic  *bool    `json:"authentic"`
	Category   *string  `json:"category"`
	Confidence *float64 `json:"confidence"`
	Notes      string   `json:"notes"`
}

// ExtractJSONFromMarkdown extracts JSON from markdown code blocks or
// surrounding prose. Vision models routinely wrap their JSON in ``` fences
// despite instructions not to.
func ExtractJSONFromMarkdown(response string) string {
	startMarker := "```"
	endMarker := "```"

	startIdx := strings.Index(response, startMarker)
	if startIdx == -1 {
		// No code block found, try to find a JSON object directly
		startIdx = strings.Index(response, "{")
		if startIdx == -1 {
			return response
		}
		endIdx := strings.LastIndex(response, "}")
		if endIdx == -1 {
			return response
		}
		return strings.TrimSpace(response[startIdx : endIdx+1])
	}

	endIdx := strings.Index(response[startIdx+len(startMarker):], endMarker)
	if endIdx == -1 {
		return response
	}
	endIdx += startIdx + len(startMarker)

	content := response[startIdx+len(startMarker) : endIdx]

	// Remove the language identifier if present (e.g., "json")
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 && (strings.TrimSpace(lines[0]) == "json" || strings.TrimSpace(lines[0]) == "") {
		content = strings.Join(lines[1:], "\n")
	}

	return strings.TrimSpace(content)
}

// NormalizeCategory maps a free-form model label to a threat category. The
// model is prompted for the exact enum values but drifts into synonyms; the
// word heuristics cover the drift observed in production. Labels that match
// nothing are treated as none_detected.
func NormalizeCategory(label string) models.ThreatCategory {
	v := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(label), "-", "_"))
	if v == "" {
		return models.CategoryNoneDetected
	}

	switch models.ThreatCategory(strings.ToLower(v)) {
	case models.CategoryDeforestation, models.CategoryPollution, models.CategoryEncroachment,
		models.CategoryEcosystemStress, models.CategoryOther, models.CategoryNoneDetected:
		return models.ThreatCategory(strings.ToLower(v))
	}

	switch {
	case strings.Contains(v, "DEFOR") || strings.Contains(v, "BURN") || strings.Contains(v, "LOG"):
		return models.CategoryDeforestation
	case strings.Contains(v, "POLLUT") || strings.Contains(v, "WASTE") ||
		strings.Contains(v, "SEWAGE") || strings.Contains(v, "OIL") || strings.Contains(v, "LITTER"):
		return models.CategoryPollution
	case strings.Contains(v, "ENCROACH") || strings.Contains(v, "CONSTRUCT") ||
		strings.Contains(v, "LANDFILL") || strings.Contains(v, "AQUACULTURE"):
		return models.CategoryEncroachment
	case strings.Contains(v, "ECO") || strings.Contains(v, "STRESS") || strings.Contains(v, "PEST") ||
		strings.Contains(v, "ALGA") || strings.Contains(v, "DIE"):
		return models.CategoryEcosystemStress
	case strings.Contains(v, "OTHER") || strings.Contains(v, "POACH") || strings.Contains(v, "FIRE") ||
		strings.Contains(v, "UNSPECIFIED"):
		return models.CategoryOther
	}
	return models.CategoryNoneDetected
}

// ParseVerdict parses the model response into a validated verdict. Any
// missing or out-of-range field is an error; callers map it to a classifier
// rejection rather than a best-effort partial verdict.
func ParseVerdict(response string) (*models.Verdict, error) {
	jsonContent := ExtractJSONFromMarkdown(strings.TrimSpace(response))

	var raw rawVerdict
	if err := json.Unmarshal([]byte(jsonContent), &raw); err != nil {
		return nil, errors.New("failed to parse JSON response: " + err.Error())
	}

	if raw.Authentic == nil {
		return nil, errors.New("authentic is required")
	}
	if raw.Category == nil {
		return nil, errors.New("category is required")
	}
	if raw.Confidence == nil {
		return nil, errors.New("confidence is required")
	}
	if *raw.Confidence < 0 || *raw.Confidence > 1 {
		return nil, errors.New("confidence must be between 0 and 1")
	}

	return &models.Verdict{
		Authentic:  *raw.Authentic,
		Category:   NormalizeCategory(*raw.Category),
		Confidence: *raw.Confidence,
		Notes:      raw.Notes,
	}, nil
}
