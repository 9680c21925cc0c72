package classifier

import (
	"fmt"
	"html"
	"math"
	"regexp"
	"strings"
)

const (
	maxSlotEntries = 20
	maxSlotStrLen  = 500
)

var (
	slotKeyPattern    = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	sqlCommentPattern = regexp.MustCompile(`--|/\*|\*/|#`)
)

// SanitizeSlots bounds and cleans the extracted slot map before it ever
// reaches storage or a tool parameter. Keys outside the pattern, excess
// entries, oversized strings, and non-finite numbers reject the whole
// map; string values are entity-escaped with control characters and SQL
// comment markers stripped.
func SanitizeSlots(slots map[string]any) (map[string]any, error) {
	if slots == nil {
		return nil, nil
	}
	if len(slots) > maxSlotEntries {
		return nil, fmt.Errorf("classifier: slot map exceeds %d entries", maxSlotEntries)
	}
	out := make(map[string]any, len(slots))
	for key, value := range slots {
		if !slotKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("classifier: invalid slot key %q", key)
		}
		switch v := value.(type) {
		case string:
			if len(v) > maxSlotStrLen {
				return nil, fmt.Errorf("classifier: slot %q exceeds %d chars", key, maxSlotStrLen)
			}
			out[key] = cleanString(v)
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("classifier: slot %q is not finite", key)
			}
			// Integral values must fit int32; fractional values pass as-is.
			if v == math.Trunc(v) && (v > math.MaxInt32 || v < math.MinInt32) {
				return nil, fmt.Errorf("classifier: slot %q outside int32 range", key)
			}
			out[key] = v
		case bool:
			out[key] = v
		case nil:
			// Dropped silently; an absent slot means the same thing.
		default:
			return nil, fmt.Errorf("classifier: slot %q has unsupported type %T", key, value)
		}
	}
	return out, nil
}

func cleanString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := sqlCommentPattern.ReplaceAllString(b.String(), "")
	return html.EscapeString(cleaned)
}
