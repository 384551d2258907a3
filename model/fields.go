package model

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	FieldText   = "text"
	FieldLikert = "likert"
)

const (
	LikertMin = 1
	LikertMax = 5
)

func ValidFieldType(t string) bool {
	return t == FieldText || t == FieldLikert
}

var reNonKey = regexp.MustCompile(`[^a-z0-9_]`)

// GenerateKey derives a snake_case field key from the first three words of
// a title, suffixed with a counter when the base key is already taken.
func GenerateKey(title string, existing []string) string {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(title)))
	if len(words) > 3 {
		words = words[:3]
	}
	base := reNonKey.ReplaceAllLiteralString(strings.Join(words, "_"), "")

	key := base
	for n := 1; taken(key, existing); n++ {
		key = fmt.Sprintf("%s_%d", base, n)
	}
	return key
}

func taken(key string, existing []string) bool {
	for _, k := range existing {
		if k == key {
			return true
		}
	}
	return false
}

// CoerceValue normalizes a raw answer: a string that parses entirely as a
// number is stored numerically (integral values collapse to int64, so likert
// answers like "4" or "4.0" become 4), anything else is kept verbatim.
func CoerceValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return raw
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// ValidateForm reports one error per required field with no answer, plus one
// per likert field whose answer is not a rating in [1,5].
func ValidateForm(fields []FormField, sub Submission) []FieldError {
	var errs []FieldError
	for _, f := range fields {
		value, ok := sub[f.Key]
		if !ok || value == nil || value == "" {
			if f.Required {
				errs = append(errs, FieldError{f.Key, f.Title + " is required"})
			}
			continue
		}

		if f.Type == FieldLikert {
			if err := validateLikert(value); err != "" {
				errs = append(errs, FieldError{f.Key, f.Title + " " + err})
			}
		}
	}
	return errs
}

func validateLikert(value any) string {
	var n float64
	switch v := value.(type) {
	case int64:
		n = float64(v)
	case int:
		n = float64(v)
	case float64:
		n = v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return "must be a number"
		}
		n = f
	default:
		return "must be a number"
	}

	if n != math.Trunc(n) || n < LikertMin || n > LikertMax {
		return fmt.Sprintf("must be a rating between %d and %d", LikertMin, LikertMax)
	}
	return ""
}
