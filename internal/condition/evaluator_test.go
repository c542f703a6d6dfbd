// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rashadism/ticketflow/internal/domain"
)

func evalCtx() map[string]any {
	return map[string]any{
		"form_values": map[string]any{
			"amount":   float64(1500),
			"currency": "USD",
			"region":   "emea",
			"tags":     []any{"urgent", "finance"},
			"notes":    "",
		},
		"ticket": map[string]any{
			"status": "IN_PROGRESS",
			"title":  "Replace the badge printer",
		},
	}
}

func TestEvaluateOperators(t *testing.T) {
	tests := []struct {
		name string
		cond domain.Condition
		want bool
	}{
		{"equals string case-insensitive", domain.Condition{Field: "form_values.currency", Operator: domain.OpEquals, Value: "usd"}, true},
		{"equals numeric string vs float", domain.Condition{Field: "form_values.amount", Operator: domain.OpEquals, Value: "1500"}, true},
		{"not equals", domain.Condition{Field: "form_values.region", Operator: domain.OpNotEquals, Value: "apac"}, true},
		{"greater than", domain.Condition{Field: "form_values.amount", Operator: domain.OpGreaterThan, Value: 1000}, true},
		{"greater than false", domain.Condition{Field: "form_values.amount", Operator: domain.OpGreaterThan, Value: 2000}, false},
		{"less than or equals boundary", domain.Condition{Field: "form_values.amount", Operator: domain.OpLessThanOrEquals, Value: 1500}, true},
		{"contains substring", domain.Condition{Field: "ticket.title", Operator: domain.OpContains, Value: "badge"}, true},
		{"contains list member", domain.Condition{Field: "form_values.tags", Operator: domain.OpContains, Value: "urgent"}, true},
		{"not contains", domain.Condition{Field: "form_values.tags", Operator: domain.OpNotContains, Value: "legal"}, true},
		{"in list", domain.Condition{Field: "form_values.region", Operator: domain.OpIn, Value: []any{"emea", "apac"}}, true},
		{"in comma-separated fallback", domain.Condition{Field: "form_values.region", Operator: domain.OpIn, Value: "emea, apac"}, true},
		{"not in", domain.Condition{Field: "form_values.region", Operator: domain.OpNotIn, Value: []any{"amer"}}, true},
		{"is empty on blank string", domain.Condition{Field: "form_values.notes", Operator: domain.OpIsEmpty}, true},
		{"is empty on missing path", domain.Condition{Field: "form_values.missing", Operator: domain.OpIsEmpty}, true},
		{"is not empty", domain.Condition{Field: "form_values.currency", Operator: domain.OpIsNotEmpty}, true},
		{"missing field fails closed", domain.Condition{Field: "form_values.missing", Operator: domain.OpEquals, Value: "x"}, false},
		{"non-numeric comparison fails closed", domain.Condition{Field: "form_values.currency", Operator: domain.OpGreaterThan, Value: 10}, false},
		{"unknown operator fails closed", domain.Condition{Field: "form_values.currency", Operator: "LIKE", Value: "US%"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cond, evalCtx()))
		})
	}
}

func TestEvaluateGroupLogic(t *testing.T) {
	isUSD := domain.Condition{Field: "form_values.currency", Operator: domain.OpEquals, Value: "USD"}
	isBig := domain.Condition{Field: "form_values.amount", Operator: domain.OpGreaterThan, Value: 2000}

	assert.True(t, EvaluateGroup(domain.ConditionGroup{}, evalCtx()), "empty group is true")

	and := domain.ConditionGroup{Conditions: []domain.Condition{isUSD, isBig}}
	assert.False(t, EvaluateGroup(and, evalCtx()))

	or := domain.ConditionGroup{Logic: domain.LogicOr, Conditions: []domain.Condition{isUSD, isBig}}
	assert.True(t, EvaluateGroup(or, evalCtx()))

	nested := domain.ConditionGroup{
		Conditions: []domain.Condition{isUSD},
		Groups: []domain.ConditionGroup{
			{Logic: domain.LogicOr, Conditions: []domain.Condition{
				isBig,
				{Field: "form_values.region", Operator: domain.OpEquals, Value: "emea"},
			}},
		},
	}
	assert.True(t, EvaluateGroup(nested, evalCtx()))
}

func TestLookup(t *testing.T) {
	v, ok := Lookup(evalCtx(), "ticket.status")
	assert.True(t, ok)
	assert.Equal(t, "IN_PROGRESS", v)

	_, ok = Lookup(evalCtx(), "ticket.status.deeper")
	assert.False(t, ok, "descending into a scalar fails")

	_, ok = Lookup(evalCtx(), "")
	assert.False(t, ok)
}
