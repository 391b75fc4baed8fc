// Package validation collects field violations of request payloads before
// they reach the services.
package validation

import (
	"slices"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Violations maps a field path to a violation code.
type Violations map[string]string

func (v Violations) Empty() bool { return len(v) == 0 }

// Error lists the violations in field order.
func (v Violations) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + ": " + v[f]
	}
	return strings.Join(parts, ", ")
}

// Basic validators
func Required(field, value string, v Violations) {
	if strings.TrimSpace(value) == "" {
		v[field] = "required"
	}
}

func PositiveInt(field string, val int, v Violations) {
	if val <= 0 {
		v[field] = "must_be_positive"
	}
}

func NonNegativeDecimal(field string, val decimal.Decimal, v Violations) {
	if val.IsNegative() {
		v[field] = "must_not_be_negative"
	}
}

func NotEmpty[T any](field string, items []T, v Violations) {
	if len(items) == 0 {
		v[field] = "required"
	}
}

// OneOf accepts the empty string; pair it with Required when the field is mandatory.
func OneOf(field, value string, allowed []string, v Violations) {
	if value != "" && !slices.Contains(allowed, value) {
		v[field] = "invalid_value"
	}
}

func MaxLen(field, value string, maxLen int, v Violations) {
	if len(value) > maxLen {
		v[field] = "too_long"
	}
}
