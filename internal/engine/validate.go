// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/condition"
	"github.com/rashadism/ticketflow/internal/domain"
)

// validateForm checks submitted values against a form's field definitions:
// static rules (required, length, pattern, numeric and date windows) and
// conditional requirements evaluated against the submitted values. Rows of a
// repeating section validate field-by-field per row.
func validateForm(cfg *domain.FormConfig, values map[string]any) error {
	if cfg == nil {
		return nil
	}
	var fields []apperr.FieldMessage
	condCtx := map[string]any{"form_values": values}

	repeating := map[string]bool{}
	for _, s := range cfg.Sections {
		if s.Repeating {
			repeating[s.Key] = true
		}
	}

	for i := range cfg.Fields {
		fd := &cfg.Fields[i]
		if fd.Section != "" && repeating[fd.Section] {
			fields = append(fields, validateRepeatingField(fd, values)...)
			continue
		}
		v, ok := condition.Lookup(values, fd.Key)
		fields = append(fields, validateField(fd, v, ok, condCtx, fd.Key)...)
	}

	if len(fields) > 0 {
		return apperr.Validation("form validation failed", fields...)
	}
	return nil
}

// validateRepeatingField applies one field definition to every row of its
// repeating section.
func validateRepeatingField(fd *domain.FieldDefinition, values map[string]any) []apperr.FieldMessage {
	raw, ok := values[fd.Section]
	if !ok {
		if fd.Required {
			return []apperr.FieldMessage{{Field: fd.Section, Message: "section is required"}}
		}
		return nil
	}
	rows, ok := raw.([]any)
	if !ok {
		return []apperr.FieldMessage{{Field: fd.Section, Message: "section must be a list of rows"}}
	}
	var out []apperr.FieldMessage
	for i, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			out = append(out, apperr.FieldMessage{
				Field:   fmt.Sprintf("%s[%d]", fd.Section, i),
				Message: "row must be an object",
			})
			continue
		}
		v, present := row[fd.Key]
		path := fmt.Sprintf("%s[%d].%s", fd.Section, i, fd.Key)
		out = append(out, validateField(fd, v, present, map[string]any{"form_values": row}, path)...)
	}
	return out
}

func validateField(fd *domain.FieldDefinition, v any, present bool, condCtx map[string]any, path string) []apperr.FieldMessage {
	required := fd.Required
	if !required && fd.RequiredWhen != nil {
		required = condition.EvaluateGroup(*fd.RequiredWhen, condCtx)
	}

	empty := !present || v == nil || v == ""
	if empty {
		if required {
			return []apperr.FieldMessage{{Field: path, Message: "field is required"}}
		}
		return nil
	}

	var out []apperr.FieldMessage
	fail := func(format string, args ...any) {
		out = append(out, apperr.FieldMessage{Field: path, Message: fmt.Sprintf(format, args...)})
	}

	if s, ok := v.(string); ok {
		if fd.MinLength != nil && len(s) < *fd.MinLength {
			fail("must be at least %d characters", *fd.MinLength)
		}
		if fd.MaxLength != nil && len(s) > *fd.MaxLength {
			fail("must be at most %d characters", *fd.MaxLength)
		}
		if fd.Pattern != "" {
			re, err := regexp.Compile(fd.Pattern)
			if err != nil {
				fail("field pattern is invalid")
			} else if !re.MatchString(s) {
				fail("does not match the required pattern")
			}
		}
	}

	if fd.Min != nil || fd.Max != nil {
		d, err := decimal.NewFromString(fmt.Sprintf("%v", v))
		if err != nil {
			fail("must be a number")
		} else {
			if fd.Min != nil && d.LessThan(decimal.NewFromFloat(*fd.Min)) {
				fail("must be >= %v", *fd.Min)
			}
			if fd.Max != nil && d.GreaterThan(decimal.NewFromFloat(*fd.Max)) {
				fail("must be <= %v", *fd.Max)
			}
		}
	}

	if fd.DateMin != "" || fd.DateMax != "" {
		t, err := parseDate(fmt.Sprintf("%v", v))
		if err != nil {
			fail("must be a date")
		} else {
			if fd.DateMin != "" {
				if min, err := parseDate(fd.DateMin); err == nil && t.Before(min) {
					fail("must not be before %s", fd.DateMin)
				}
			}
			if fd.DateMax != "" {
				if max, err := parseDate(fd.DateMax); err == nil && t.After(max) {
					fail("must not be after %s", fd.DateMax)
				}
			}
		}
	}

	return out
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
