// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package transition resolves (step, event, context) to the next step of a
// workflow definition.
package transition

import (
	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/condition"
	"github.com/rashadism/ticketflow/internal/domain"
)

// Resolve selects the transition to fire for (fromStepID, event). Candidates
// with a condition are evaluated against ctx; the highest priority satisfied
// candidate wins, ties broken by declaration order. A nil transition with a
// nil error means the step is terminal and the ticket may complete.
func Resolve(def *domain.WorkflowDefinition, fromStepID string, event domain.EventType, ctx map[string]any) (*domain.Transition, error) {
	var best *domain.Transition
	for i := range def.Transitions {
		t := &def.Transitions[i]
		if t.FromStepID != fromStepID || t.OnEvent != event {
			continue
		}
		if t.Condition != nil && !condition.EvaluateGroup(*t.Condition, ctx) {
			continue
		}
		// Strict > keeps declaration order on ties.
		if best == nil || t.Priority > best.Priority {
			best = t
		}
	}
	if best != nil {
		return best, nil
	}

	if step := def.StepByID(fromStepID); step != nil && step.IsTerminal {
		return nil, nil
	}
	return nil, apperr.New(apperr.KindTransitionNotFound,
		"no transition from step %s on event %s", fromStepID, event)
}

// ResolveAny is Resolve without the event filter, for steps that complete
// autonomously (notify steps) and advance along whatever edge their author
// declared.
func ResolveAny(def *domain.WorkflowDefinition, fromStepID string, ctx map[string]any) (*domain.Transition, error) {
	var best *domain.Transition
	for i := range def.Transitions {
		t := &def.Transitions[i]
		if t.FromStepID != fromStepID {
			continue
		}
		if t.Condition != nil && !condition.EvaluateGroup(*t.Condition, ctx) {
			continue
		}
		if best == nil || t.Priority > best.Priority {
			best = t
		}
	}
	if best != nil {
		return best, nil
	}
	if step := def.StepByID(fromStepID); step != nil && step.IsTerminal {
		return nil, nil
	}
	return nil, apperr.New(apperr.KindTransitionNotFound,
		"no transition from step %s", fromStepID)
}

// Next is Resolve reduced to the target step id; "" means no next step.
func Next(def *domain.WorkflowDefinition, fromStepID string, event domain.EventType, ctx map[string]any) (string, error) {
	t, err := Resolve(def, fromStepID, event, ctx)
	if err != nil || t == nil {
		return "", err
	}
	return t.ToStepID, nil
}
