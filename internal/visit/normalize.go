package visit

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ── Normalizer ─────────────────────────────────────────────
// Literal formats the routing API expects. Every function here absorbs
// bad input into a default instead of failing.

const zeroDuration = "00:00:00"

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// NormalizeDuration renders v as HH:MM:SS. HH:MM:SS strings pass through,
// numbers are minutes, digit-bearing strings are read as minutes, anything
// else becomes 00:00:00.
func NormalizeDuration(v any) string {
	switch t := v.(type) {
	case nil:
		return zeroDuration
	case string:
		s := strings.TrimSpace(t)
		if isClock(s) {
			return s
		}
		if s == "" {
			return zeroDuration
		}
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, s)
		if digits == "" {
			return zeroDuration
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return zeroDuration
		}
		return minutesToClock(n)
	default:
		f, ok := toFloat(v)
		if !ok {
			return zeroDuration
		}
		return minutesToClock(int(f))
	}
}

// isClock reports whether s has three all-digit colon-separated parts.
func isClock(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

func minutesToClock(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%02d:%02d:00", minutes/60, minutes%60)
}

// blankDuration reports whether a duration value should fall through to
// the next candidate (service time, then the category default).
func blankDuration(v any) bool {
	if isBlank(v) {
		return true
	}
	if s, ok := v.(string); ok {
		switch strings.TrimSpace(s) {
		case "0", "0.0", zeroDuration:
			return true
		}
		return false
	}
	if f, ok := toFloat(v); ok {
		return f <= 0
	}
	return false
}

// CeilQuantity rounds a physical quantity up to a whole unit. Absent,
// unparseable, zero and negative inputs yield def.
func CeilQuantity(v any, def float64) float64 {
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return def
	}
	return math.Ceil(f)
}

// ZeroPad renders a quantity as a four-digit string for note fractions.
func ZeroPad(v any) string {
	f, ok := toFloat(v)
	if !ok || f < 0 {
		return "0000"
	}
	return fmt.Sprintf("%04d", int64(math.RoundToEven(f)))
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

// NormalizeDate truncates a date or datetime to YYYY-MM-DD. The second
// return is false when v is absent or unparseable.
func NormalizeDate(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case time.Time:
		if t.IsZero() {
			return "", false
		}
		return t.Format("2006-01-02"), true
	case *time.Time:
		if t == nil || t.IsZero() {
			return "", false
		}
		return t.Format("2006-01-02"), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return "", false
		}
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.Format("2006-01-02"), true
			}
		}
		// Offsets and fractional seconds outside the layouts above still
		// carry a leading calendar date.
		if len(s) >= 10 {
			if ts, err := time.Parse("2006-01-02", s[:10]); err == nil {
				return ts.Format("2006-01-02"), true
			}
		}
		return "", false
	default:
		return "", false
	}
}

// NormalizeCoordinate passes a non-empty coordinate through as a string and
// returns nil otherwise, leaving geocoding to the routing service.
func NormalizeCoordinate(v any) any {
	if isBlank(v) {
		return nil
	}
	s := scalarString(v)
	if s == "" {
		return nil
	}
	return s
}

// SanitizeEmail returns v when it looks like local@domain.tld and "" otherwise.
func SanitizeEmail(v any) string {
	s := scalarString(v)
	if s == "" || !emailPattern.MatchString(s) {
		return ""
	}
	return s
}

// ── Scalar helpers ─────────────────────────────────────────

// toFloat parses numeric values from the types database drivers and JSON
// decoding produce. NaN and infinities count as unparseable.
func toFloat(v any) (float64, bool) {
	f, ok := rawFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case []byte:
		return rawFloat(string(n))
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// scalarString renders a scalar the way it should appear in a text field.
// Integral floats drop their fractional part.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		if isBlank(t) {
			return ""
		}
		return strings.TrimSpace(t)
	case []byte:
		return scalarString(string(t))
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case json.Number:
		return t.String()
	case float64:
		return formatFloat(t)
	case float32:
		return formatFloat(float64(t))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// numericString renders an identifier code, dropping a trailing ".0" that
// numeric columns pick up on the way out of the database.
func numericString(v any) string {
	s := scalarString(v)
	return strings.TrimSuffix(s, ".0")
}

// numberOrNil keeps numeric fields numeric and leaves them unset otherwise.
func numberOrNil(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	return nil
}

// stringOrNil renders v as text, or nil when there is nothing to say.
func stringOrNil(v any) any {
	s := scalarString(v)
	if s == "" {
		return nil
	}
	return s
}

// truthy reads flag columns that arrive as bools, numbers or words.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "t", "y", "yes", "s", "sim":
			return true
		}
		return false
	default:
		f, ok := toFloat(v)
		return ok && f != 0
	}
}

// listValue copies list-typed source values. Comma-separated strings are
// split into trimmed entries.
func listValue(v any) []any {
	switch t := v.(type) {
	case []any:
		return append([]any(nil), t...)
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out
	case string:
		var out []any
		for _, part := range strings.Split(t, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// collapseSpaces folds runs of whitespace into single spaces.
func collapseSpaces(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
