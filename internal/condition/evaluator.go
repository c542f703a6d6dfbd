// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package condition evaluates the closed, side-effect-free comparison DSL
// used by transitions, conditional approver rules, and conditional field
// requirements. Evaluation never executes user-supplied code and fails
// closed: a comparison that cannot be evaluated is false.
package condition

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rashadism/ticketflow/internal/domain"
)

// EvaluateGroup evaluates a condition group against a nested context map.
// Field paths use dot notation. An empty group is true.
func EvaluateGroup(g domain.ConditionGroup, ctx map[string]any) bool {
	results := make([]bool, 0, len(g.Conditions)+len(g.Groups))
	for _, c := range g.Conditions {
		results = append(results, Evaluate(c, ctx))
	}
	for _, sub := range g.Groups {
		results = append(results, EvaluateGroup(sub, ctx))
	}
	if len(results) == 0 {
		return true
	}
	if g.Logic == domain.LogicOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	// AND is the default.
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

// Evaluate evaluates a single comparison.
func Evaluate(c domain.Condition, ctx map[string]any) bool {
	actual, found := Lookup(ctx, c.Field)

	switch c.Operator {
	case domain.OpIsEmpty:
		return !found || isEmpty(actual)
	case domain.OpIsNotEmpty:
		return found && !isEmpty(actual)
	}

	if !found {
		return false
	}

	switch c.Operator {
	case domain.OpEquals:
		return looseEqual(actual, c.Value)
	case domain.OpNotEquals:
		return !looseEqual(actual, c.Value)
	case domain.OpGreaterThan:
		return compareNumeric(actual, c.Value, func(cmp int) bool { return cmp > 0 })
	case domain.OpLessThan:
		return compareNumeric(actual, c.Value, func(cmp int) bool { return cmp < 0 })
	case domain.OpGreaterThanOrEquals:
		return compareNumeric(actual, c.Value, func(cmp int) bool { return cmp >= 0 })
	case domain.OpLessThanOrEquals:
		return compareNumeric(actual, c.Value, func(cmp int) bool { return cmp <= 0 })
	case domain.OpContains:
		return contains(actual, c.Value)
	case domain.OpNotContains:
		return !contains(actual, c.Value)
	case domain.OpIn:
		return in(actual, c.Value)
	case domain.OpNotIn:
		return !in(actual, c.Value)
	}
	// Unknown operator: fail closed.
	return false
}

// Lookup resolves a dot-notation path in a nested map.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = ctx
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// isEmpty implements the DSL's definition of empty: null, empty string, or
// empty list.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	}
	return false
}

// looseEqual compares scalars by string form, numbers by decimal value.
func looseEqual(a, b any) bool {
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Equal(db)
		}
	}
	return strings.EqualFold(stringify(a), stringify(b))
}

// compareNumeric coerces both sides through decimal parsing; a failed parse
// yields false.
func compareNumeric(a, b any, cmp func(int) bool) bool {
	da, ok := toDecimal(a)
	if !ok {
		return false
	}
	db, ok := toDecimal(b)
	if !ok {
		return false
	}
	return cmp(da.Cmp(db))
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, false
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	d, err := decimal.NewFromString(stringify(v))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// contains: string containment for strings, membership for lists.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(strings.ToLower(h), strings.ToLower(stringify(needle)))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	}
	return false
}

// in: the actual value is a member of the expected list.
func in(actual, expected any) bool {
	switch e := expected.(type) {
	case []any:
		for _, item := range e {
			if looseEqual(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range e {
			if looseEqual(actual, item) {
				return true
			}
		}
	case string:
		// Comma-separated fallback from designer exports.
		for _, item := range strings.Split(e, ",") {
			if looseEqual(actual, strings.TrimSpace(item)) {
				return true
			}
		}
	}
	return false
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}
