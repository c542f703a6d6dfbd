// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/domain"
)

func routingDef() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		StartStepID: "form",
		Steps: []domain.StepDefinition{
			{StepID: "form", StepType: domain.StepTypeForm},
			{StepID: "cheap_approval", StepType: domain.StepTypeApproval},
			{StepID: "exec_approval", StepType: domain.StepTypeApproval},
			{StepID: "done", StepType: domain.StepTypeNotify, IsTerminal: true},
		},
		Transitions: []domain.Transition{
			{FromStepID: "form", OnEvent: domain.EventSubmitForm, ToStepID: "cheap_approval"},
			{
				FromStepID: "form", OnEvent: domain.EventSubmitForm, ToStepID: "exec_approval",
				Priority: 10,
				Condition: &domain.ConditionGroup{Conditions: []domain.Condition{
					{Field: "form_values.amount", Operator: domain.OpGreaterThan, Value: 1000},
				}},
			},
			{FromStepID: "cheap_approval", OnEvent: domain.EventApprove, ToStepID: "done"},
			{FromStepID: "exec_approval", OnEvent: domain.EventApprove, ToStepID: "done"},
		},
	}
}

func TestResolvePicksSatisfiedHighestPriority(t *testing.T) {
	def := routingDef()

	big := map[string]any{"form_values": map[string]any{"amount": float64(5000)}}
	tr, err := Resolve(def, "form", domain.EventSubmitForm, big)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "exec_approval", tr.ToStepID)

	small := map[string]any{"form_values": map[string]any{"amount": float64(100)}}
	tr, err = Resolve(def, "form", domain.EventSubmitForm, small)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "cheap_approval", tr.ToStepID)
}

func TestResolveTieBreaksByDeclarationOrder(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Steps: []domain.StepDefinition{{StepID: "a"}, {StepID: "b"}, {StepID: "c"}},
		Transitions: []domain.Transition{
			{FromStepID: "a", OnEvent: domain.EventApprove, ToStepID: "b"},
			{FromStepID: "a", OnEvent: domain.EventApprove, ToStepID: "c"},
		},
	}
	tr, err := Resolve(def, "a", domain.EventApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", tr.ToStepID)
}

func TestResolveTerminalStepReturnsNil(t *testing.T) {
	def := routingDef()
	tr, err := Resolve(def, "done", domain.EventApprove, nil)
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestResolveMissingEdgeIsTyped(t *testing.T) {
	def := routingDef()
	_, err := Resolve(def, "form", domain.EventApprove, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTransitionNotFound))
}

func TestResolveAnyIgnoresEvent(t *testing.T) {
	def := routingDef()
	tr, err := ResolveAny(def, "cheap_approval", nil)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "done", tr.ToStepID)

	// Conditions still gate.
	small := map[string]any{"form_values": map[string]any{"amount": float64(1)}}
	tr, err = ResolveAny(def, "form", small)
	require.NoError(t, err)
	assert.Equal(t, "cheap_approval", tr.ToStepID)
}

func TestNext(t *testing.T) {
	def := routingDef()
	next, err := Next(def, "cheap_approval", domain.EventApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", next)

	next, err = Next(def, "done", domain.EventApprove, nil)
	require.NoError(t, err)
	assert.Empty(t, next)
}
