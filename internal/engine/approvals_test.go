// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashadism/ticketflow/internal/domain"
)

// A decision that loses the version race to an already-settled step must
// leave no trace: no second audit entry, no second notification batch, no
// duplicate tasks on the next step.
func TestLateDecisionOnSettledStepChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "wf-linear", "Linear", linearDef())

	ticket := h.createTicket(t, "wf-linear")
	_, err := h.engine.SubmitForm(ctx, as(requester), ticket.ID, "intake",
		map[string]any{"summary": "x"}, nil)
	require.NoError(t, err)

	// The loser read the step while it was still pending.
	stale := h.stepByTemplateID(t, ticket.ID, "review")

	_, err = h.engine.Approve(ctx, as(reviewer), ticket.ID, "review", "wins")
	require.NoError(t, err)

	auditsBefore := h.auditKinds(t, ticket.ID)
	notifsBefore, err := h.store.ListNotificationsByTicket(ctx, ticket.ID)
	require.NoError(t, err)

	_, settled, err := h.engine.settleDecision(ctx, stale, reviewer, domain.DecisionRejected, "loses")
	require.NoError(t, err)
	assert.True(t, settled)
	// The loser's copy now carries the winner's outcome.
	assert.Equal(t, domain.StepCompleted, stale.State)

	// Nothing was written for the losing decision.
	assert.Equal(t, auditsBefore, h.auditKinds(t, ticket.ID))
	notifsAfter, err := h.store.ListNotificationsByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Len(t, notifsAfter, len(notifsBefore))

	review := h.stepByTemplateID(t, ticket.ID, "review")
	tasks, err := h.store.ListApprovalTasks(ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.DecisionApproved, tasks[0].Decision)

	// The workflow advanced exactly once.
	assert.Equal(t, domain.StepActive, h.stepByTemplateID(t, ticket.ID, "work").State)
	got, err := h.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketInProgress, got.Status)
}
