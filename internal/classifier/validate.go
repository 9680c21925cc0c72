package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

const maxNotesLen = 512

// parseIntentResult decodes and validates the raw classifier JSON.
// Unknown fields, out-of-enum values, oversized strings, and out-of-bound
// numbers all reject the result.
func parseIntentResult(raw []byte) (IntentResult, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var out IntentResult
	if err := dec.Decode(&out); err != nil {
		return IntentResult{}, fmt.Errorf("classifier: decode intent: %w", err)
	}
	if _, ok := knownIntents[out.Intent]; !ok {
		return IntentResult{}, fmt.Errorf("classifier: unknown intent %q", out.Intent)
	}
	if err := validConfidence(out.Confidence); err != nil {
		return IntentResult{}, err
	}
	if len(out.Notes) > maxNotesLen {
		return IntentResult{}, fmt.Errorf("classifier: notes exceed %d chars", maxNotesLen)
	}
	if _, ok := knownJourneys[out.SuggestedJourney]; !ok {
		return IntentResult{}, fmt.Errorf("classifier: unknown journey %q", out.SuggestedJourney)
	}
	slots, err := SanitizeSlots(out.Slots)
	if err != nil {
		return IntentResult{}, err
	}
	out.Slots = slots
	return out, nil
}

func parseLanguageResult(raw []byte) (LanguageResult, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var out LanguageResult
	if err := dec.Decode(&out); err != nil {
		return LanguageResult{}, fmt.Errorf("classifier: decode language: %w", err)
	}
	if _, ok := knownLanguages[out.ResponseLanguage]; !ok {
		return LanguageResult{}, fmt.Errorf("classifier: unknown language %q", out.ResponseLanguage)
	}
	if err := validConfidence(out.Confidence); err != nil {
		return LanguageResult{}, err
	}
	return out, nil
}

func parseGovernorResult(raw []byte) (GovernorResult, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var out GovernorResult
	if err := dec.Decode(&out); err != nil {
		return GovernorResult{}, fmt.Errorf("classifier: decode governor: %w", err)
	}
	if _, ok := knownGovernorClasses[out.Classification]; !ok {
		return GovernorResult{}, fmt.Errorf("classifier: unknown classification %q", out.Classification)
	}
	if _, ok := knownGovernorActions[out.RecommendedAction]; !ok {
		return GovernorResult{}, fmt.Errorf("classifier: unknown action %q", out.RecommendedAction)
	}
	if err := validConfidence(out.Confidence); err != nil {
		return GovernorResult{}, err
	}
	return out, nil
}

func validConfidence(c float64) error {
	if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 || c > 1 {
		return fmt.Errorf("classifier: confidence %v outside [0,1]", c)
	}
	return nil
}
