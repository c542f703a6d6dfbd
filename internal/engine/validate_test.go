// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/domain"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func fieldErrors(t *testing.T, err error) []apperr.FieldMessage {
	t.Helper()
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
	return appErr.Fields
}

func hasFieldError(fields []apperr.FieldMessage, field string) bool {
	for _, f := range fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func TestValidateFormStaticRules(t *testing.T) {
	cfg := &domain.FormConfig{Fields: []domain.FieldDefinition{
		{Key: "summary", Label: "Summary", Required: true, MinLength: intp(3), MaxLength: intp(10)},
		{Key: "code", Label: "Code", Pattern: `^[A-Z]{2}-\d+$`},
		{Key: "amount", Label: "Amount", Min: floatp(1), Max: floatp(1000)},
		{Key: "due", Label: "Due", DateMin: "2026-01-01", DateMax: "2026-12-31"},
	}}

	assert.NoError(t, validateForm(cfg, map[string]any{
		"summary": "printer",
		"code":    "AB-42",
		"amount":  "999.99",
		"due":     "2026-06-15",
	}))

	fields := fieldErrors(t, validateForm(cfg, map[string]any{
		"summary": "ab",
		"code":    "nope",
		"amount":  float64(5000),
		"due":     "2027-01-01",
	}))
	assert.True(t, hasFieldError(fields, "summary"))
	assert.True(t, hasFieldError(fields, "code"))
	assert.True(t, hasFieldError(fields, "amount"))
	assert.True(t, hasFieldError(fields, "due"))

	// Missing required field.
	fields = fieldErrors(t, validateForm(cfg, map[string]any{}))
	assert.True(t, hasFieldError(fields, "summary"))

	// Optional fields may be absent entirely.
	assert.NoError(t, validateForm(cfg, map[string]any{"summary": "printer"}))
}

func TestValidateFormDecimalBoundaries(t *testing.T) {
	cfg := &domain.FormConfig{Fields: []domain.FieldDefinition{
		{Key: "amount", Label: "Amount", Min: floatp(0.1), Max: floatp(0.3)},
	}}

	// String numerics compare exactly, no float drift at the boundary.
	assert.NoError(t, validateForm(cfg, map[string]any{"amount": "0.3"}))
	assert.Error(t, validateForm(cfg, map[string]any{"amount": "0.30001"}))
	assert.Error(t, validateForm(cfg, map[string]any{"amount": "not-a-number"}))
}

func TestValidateFormConditionalRequirement(t *testing.T) {
	cfg := &domain.FormConfig{Fields: []domain.FieldDefinition{
		{Key: "kind", Label: "Kind", Required: true},
		{
			Key: "justification", Label: "Justification",
			RequiredWhen: &domain.ConditionGroup{Conditions: []domain.Condition{
				{Field: "form_values.kind", Operator: domain.OpEquals, Value: "exception"},
			}},
		},
	}}

	assert.NoError(t, validateForm(cfg, map[string]any{"kind": "standard"}))

	fields := fieldErrors(t, validateForm(cfg, map[string]any{"kind": "exception"}))
	assert.True(t, hasFieldError(fields, "justification"))

	assert.NoError(t, validateForm(cfg, map[string]any{
		"kind":          "exception",
		"justification": "the vendor requires it",
	}))
}

func TestValidateFormRepeatingSection(t *testing.T) {
	cfg := &domain.FormConfig{
		Sections: []domain.FormSection{{Key: "items", Title: "Items", Repeating: true}},
		Fields: []domain.FieldDefinition{
			{Key: "name", Label: "Name", Section: "items", Required: true},
			{Key: "qty", Label: "Quantity", Section: "items", Min: floatp(1)},
		},
	}

	assert.NoError(t, validateForm(cfg, map[string]any{
		"items": []any{
			map[string]any{"name": "cable", "qty": float64(2)},
			map[string]any{"name": "adapter"},
		},
	}))

	fields := fieldErrors(t, validateForm(cfg, map[string]any{
		"items": []any{
			map[string]any{"qty": float64(0)},
			"not-a-row",
		},
	}))
	assert.True(t, hasFieldError(fields, "items[0].name"))
	assert.True(t, hasFieldError(fields, "items[0].qty"))
	assert.True(t, hasFieldError(fields, "items[1]"))

	// A required row field makes an absent section an error.
	fields = fieldErrors(t, validateForm(cfg, map[string]any{}))
	assert.True(t, hasFieldError(fields, "items"))
}

func TestValidateFormNilConfig(t *testing.T) {
	assert.NoError(t, validateForm(nil, map[string]any{"anything": "goes"}))
}
