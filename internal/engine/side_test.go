// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/domain"
)

// ticketAtReview drives a linear ticket to its review approval.
func (h *harness) ticketAtReview(t *testing.T) *domain.Ticket {
	t.Helper()
	h.publish(t, "wf-linear", "Linear", linearDef())
	ticket := h.createTicket(t, "wf-linear")
	ticket, err := h.engine.SubmitForm(context.Background(), as(requester), ticket.ID, "intake",
		map[string]any{"summary": "printer is dead"}, nil)
	require.NoError(t, err)
	return ticket
}

// ticketAtWork drives a linear ticket to its work task, assigned to agent.
func (h *harness) ticketAtWork(t *testing.T) *domain.Ticket {
	t.Helper()
	ctx := context.Background()
	ticket := h.ticketAtReview(t)
	_, err := h.engine.Approve(ctx, as(reviewer), ticket.ID, "review", "")
	require.NoError(t, err)
	ticket, err = h.engine.AssignAgent(ctx, as(manager), ticket.ID, "work", agent, "")
	require.NoError(t, err)
	return ticket
}

func TestInfoRequestPausesAndResponseRestores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.ticketAtReview(t)

	ir, err := h.engine.RequestInfo(ctx, as(reviewer), ticket.ID, "review",
		InfoRecipientRequester, "Need detail", "which printer exactly?")
	require.NoError(t, err)
	assert.Equal(t, domain.InfoRequestOpen, ir.Status)
	assert.Equal(t, requester.Email, ir.Recipient.Email)

	review := h.stepByTemplateID(t, ticket.ID, "review")
	assert.Equal(t, domain.StepWaitingForRequester, review.State)
	assert.Equal(t, domain.StepWaitingForApproval, review.PreviousState)

	got, err := h.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketWaitingForRequest, got.Status)
	assert.Equal(t, domain.TicketInProgress, got.PreviousStatus)

	got, err = h.engine.RespondInfo(ctx, as(requester), ticket.ID, "review",
		"the one on floor 3", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketInProgress, got.Status)
	assert.Empty(t, got.PreviousStatus)

	review = h.stepByTemplateID(t, ticket.ID, "review")
	assert.Equal(t, domain.StepWaitingForApproval, review.State)
	assert.Empty(t, review.PreviousState)
	open, err := h.store.OpenInfoRequest(ctx, review.ID)
	require.NoError(t, err)
	assert.Nil(t, open)

	assertKindOrder(t, h.auditKinds(t, ticket.ID),
		domain.AuditRequestInfo,
		domain.AuditRespondInfo,
	)
	rows, err := h.store.ListNotificationsByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	byKey := map[string][]string{}
	for _, n := range rows {
		byKey[n.TemplateKey] = append(byKey[n.TemplateKey], n.Recipients...)
	}
	assert.Contains(t, byKey["INFO_REQUESTED"], requester.NormalizedEmail())
	assert.Contains(t, byKey["INFO_RESPONDED"], reviewer.NormalizedEmail())

	// The restored step still decides.
	_, err = h.engine.Approve(ctx, as(reviewer), ticket.ID, "review", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StepActive, h.stepByTemplateID(t, ticket.ID, "work").State)
}

func TestSecondInfoRequestOnStepIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.ticketAtReview(t)

	_, err := h.engine.RequestInfo(ctx, as(reviewer), ticket.ID, "review",
		InfoRecipientRequester, "Need detail", "which printer?")
	require.NoError(t, err)

	// While paused the step state itself refuses another request.
	_, err = h.engine.RequestInfo(ctx, as(reviewer), ticket.ID, "review",
		InfoRecipientRequester, "More", "and the model?")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	// Even with the waiting state rolled back, the open request blocks a
	// second one.
	review := h.stepByTemplateID(t, ticket.ID, "review")
	review.State = domain.StepWaitingForApproval
	review.PreviousState = ""
	require.NoError(t, h.store.UpdateStep(ctx, review))

	_, err = h.engine.RequestInfo(ctx, as(reviewer), ticket.ID, "review",
		InfoRecipientRequester, "More", "and the model?")
	assert.True(t, apperr.IsKind(err, apperr.KindInfoRequestOpen))
}

func TestHoldAndResumeRestoreState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.ticketAtWork(t)

	got, err := h.engine.Hold(ctx, as(agent), ticket.ID, "work", "waiting on a part")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketOnHold, got.Status)
	assert.Equal(t, domain.TicketInProgress, got.PreviousStatus)

	work := h.stepByTemplateID(t, ticket.ID, "work")
	assert.Equal(t, domain.StepOnHold, work.State)
	assert.Equal(t, domain.StepActive, work.PreviousState)
	assert.Equal(t, "waiting on a part", work.Data.HoldReason)

	// A held step does not complete.
	_, err = h.engine.CompleteTask(ctx, as(agent), ticket.ID, "work", nil, "", nil)
	require.Error(t, err)

	// Only the assignee or the manager lift the hold.
	_, err = h.engine.Resume(ctx, as(reviewer), ticket.ID, "work")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	got, err = h.engine.Resume(ctx, as(manager), ticket.ID, "work")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketInProgress, got.Status)
	assert.Empty(t, got.PreviousStatus)

	work = h.stepByTemplateID(t, ticket.ID, "work")
	assert.Equal(t, domain.StepActive, work.State)
	assert.Empty(t, work.PreviousState)
	assert.Empty(t, work.Data.HoldReason)

	// Resuming a step that is not held is refused.
	_, err = h.engine.Resume(ctx, as(manager), ticket.ID, "work")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	got, err = h.engine.CompleteTask(ctx, as(agent), ticket.ID, "work", nil, "done", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCompleted, got.Status)

	assertKindOrder(t, h.auditKinds(t, ticket.ID),
		domain.AuditHold,
		domain.AuditResume,
		domain.AuditCompleteTask,
	)
}

func TestSkipStepFollowsSkipEdge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := linearDef()
	def.Steps = append(def.Steps, domain.StepDefinition{
		StepID: "expedite", StepName: "Expedite", StepType: domain.StepTypeTask,
		Task: &domain.TaskConfig{},
	})
	def.Transitions = append(def.Transitions,
		domain.Transition{FromStepID: "review", OnEvent: domain.EventSkipStep, ToStepID: "expedite"},
		domain.Transition{FromStepID: "expedite", OnEvent: domain.EventCompleteTask, ToStepID: "done"},
	)
	h.publish(t, "wf-skip", "Skip edge", def)

	ticket := h.createTicket(t, "wf-skip")
	_, err := h.engine.SubmitForm(ctx, as(requester), ticket.ID, "intake",
		map[string]any{"summary": "x"}, nil)
	require.NoError(t, err)

	// Manager only.
	_, err = h.engine.SkipStep(ctx, as(reviewer), ticket.ID, "review", "stuck")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	got, err := h.engine.SkipStep(ctx, as(manager), ticket.ID, "review", "approver on leave")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketInProgress, got.Status)

	review := h.stepByTemplateID(t, ticket.ID, "review")
	assert.Equal(t, domain.StepSkipped, review.State)
	require.NotNil(t, review.CompletedAt)

	// The declared SKIP_STEP edge wins over the approval edge.
	assert.Equal(t, domain.StepActive, h.stepByTemplateID(t, ticket.ID, "expedite").State)
	assert.Equal(t, domain.StepNotStarted, h.stepByTemplateID(t, ticket.ID, "work").State)

	// The pending approval task was settled along with the step.
	tasks, err := h.store.ListApprovalTasks(ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.DecisionCancelled, tasks[0].Decision)

	assertKindOrder(t, h.auditKinds(t, ticket.ID), domain.AuditSkipStep)
}

func TestSkipStepWithoutSkipEdgeFollowsNormalEdge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.ticketAtReview(t)

	_, err := h.engine.SkipStep(ctx, as(manager), ticket.ID, "review", "unreachable approver")
	require.NoError(t, err)

	assert.Equal(t, domain.StepSkipped, h.stepByTemplateID(t, ticket.ID, "review").State)
	assert.Equal(t, domain.StepActive, h.stepByTemplateID(t, ticket.ID, "work").State)
}

func TestCancelTicketCancelsOpenSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.ticketAtReview(t)

	_, err := h.engine.CancelTicket(ctx, as(agent), ticket.ID, "nope")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	got, err := h.engine.CancelTicket(ctx, as(requester), ticket.ID, "ordered the wrong part")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	review := h.stepByTemplateID(t, ticket.ID, "review")
	assert.Equal(t, domain.StepCancelled, review.State)
	assert.Equal(t, domain.StepCancelled, h.stepByTemplateID(t, ticket.ID, "work").State)
	// The terminal notify still delivers the cancellation.
	assert.Equal(t, domain.StepCompleted, h.stepByTemplateID(t, ticket.ID, "done").State)

	tasks, err := h.store.ListApprovalTasks(ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.DecisionCancelled, tasks[0].Decision)

	rows, err := h.store.ListNotificationsByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	var sawCancelled bool
	for _, n := range rows {
		if n.TemplateKey == "TICKET_CANCELLED" {
			sawCancelled = true
		}
	}
	assert.True(t, sawCancelled)
	assertKindOrder(t, h.auditKinds(t, ticket.ID), domain.AuditCancelTicket)

	// Terminal tickets refuse further actions.
	_, err = h.engine.Approve(ctx, as(reviewer), ticket.ID, "review", "")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestSaveDraftKeepsStepActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "wf-linear", "Linear", linearDef())
	ticket := h.createTicket(t, "wf-linear")

	err := h.engine.SaveDraft(ctx, as(reviewer), ticket.ID, "intake",
		map[string]any{"summary": "half"}, "")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	err = h.engine.SaveDraft(ctx, as(requester), ticket.ID, "intake",
		map[string]any{"summary": "half-written"}, "come back after lunch")
	require.NoError(t, err)

	intake := h.stepByTemplateID(t, ticket.ID, "intake")
	assert.Equal(t, domain.StepActive, intake.State)
	assert.Equal(t, "half-written", intake.Data.DraftValues["summary"])
	assert.Equal(t, "come back after lunch", intake.Data.DraftNotes)
	assertKindOrder(t, h.auditKinds(t, ticket.ID), domain.AuditSaveDraft)

	// Submitting discards the draft.
	_, err = h.engine.SubmitForm(ctx, as(requester), ticket.ID, "intake",
		map[string]any{"summary": "final"}, nil)
	require.NoError(t, err)
	intake = h.stepByTemplateID(t, ticket.ID, "intake")
	assert.Nil(t, intake.Data.DraftValues)
	assert.Empty(t, intake.Data.DraftNotes)
}

func TestReassignApprovalMovesPendingTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	relief := domain.UserRef{Email: "relief@corp.example", DisplayName: "Relief"}
	ticket := h.ticketAtReview(t)

	err := h.engine.ReassignApproval(ctx, as(manager), ticket.ID, "review", relief, "reviewer on leave")
	require.NoError(t, err)

	review := h.stepByTemplateID(t, ticket.ID, "review")
	require.NotNil(t, review.AssignedTo)
	assert.Equal(t, relief.Email, review.AssignedTo.Email)

	tasks, err := h.store.ListApprovalTasks(ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	byApprover := map[string]domain.Decision{}
	for _, task := range tasks {
		byApprover[task.Approver.NormalizedEmail()] = task.Decision
	}
	assert.Equal(t, domain.DecisionCancelled, byApprover[reviewer.NormalizedEmail()])
	assert.Equal(t, domain.DecisionPending, byApprover[relief.NormalizedEmail()])

	rows, err := h.store.ListNotificationsByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	var reliefNotified bool
	for _, n := range rows {
		if n.TemplateKey == "APPROVAL_PENDING" {
			for _, r := range n.Recipients {
				if r == relief.NormalizedEmail() {
					reliefNotified = true
				}
			}
		}
	}
	assert.True(t, reliefNotified)

	// The replaced approver lost the step; the new one decides it.
	_, err = h.engine.Approve(ctx, as(reviewer), ticket.ID, "review", "")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))
	_, err = h.engine.Approve(ctx, as(relief), ticket.ID, "review", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StepActive, h.stepByTemplateID(t, ticket.ID, "work").State)
}

func TestAcknowledgeSLARequiresBreach(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.ticketAtWork(t)

	// No due time, nothing to acknowledge.
	err := h.engine.AcknowledgeSLA(ctx, as(agent), ticket.ID, "work")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	work := h.stepByTemplateID(t, ticket.ID, "work")
	past := time.Now().Add(-time.Hour)
	work.DueAt = &past
	require.NoError(t, h.store.UpdateStep(ctx, work))

	err = h.engine.AcknowledgeSLA(ctx, as(manager), ticket.ID, "work")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	require.NoError(t, h.engine.AcknowledgeSLA(ctx, as(agent), ticket.ID, "work"))
	work = h.stepByTemplateID(t, ticket.ID, "work")
	assert.True(t, work.Data.SLAAcknowledged)
	require.NotNil(t, work.Data.SLAAcknowledgedBy)
	assert.Equal(t, agent.Email, work.Data.SLAAcknowledgedBy.Email)
	assertKindOrder(t, h.auditKinds(t, ticket.ID), domain.AuditSLAAcknowledged)
}

func TestHandoverApprovalReassignsStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	relief := domain.UserRef{Email: "relief@corp.example", DisplayName: "Relief"}
	ticket := h.ticketAtWork(t)

	_, err := h.engine.RequestHandover(ctx, as(reviewer), ticket.ID, "work", "not mine")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	hr, err := h.engine.RequestHandover(ctx, as(agent), ticket.ID, "work", "overloaded this week")
	require.NoError(t, err)
	assert.Equal(t, domain.HandoverPending, hr.Status)

	// One pending request per step.
	_, err = h.engine.RequestHandover(ctx, as(agent), ticket.ID, "work", "again")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	rows, err := h.store.ListNotificationsByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	var managerAsked bool
	for _, n := range rows {
		if n.TemplateKey == "HANDOVER_REQUESTED" {
			for _, r := range n.Recipients {
				if r == manager.NormalizedEmail() {
					managerAsked = true
				}
			}
		}
	}
	assert.True(t, managerAsked)

	// Approving needs the replacement agent.
	_, err = h.engine.DecideHandover(ctx, as(manager), ticket.ID, hr.ID, true, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = h.engine.DecideHandover(ctx, as(manager), ticket.ID, hr.ID, true, &relief)
	require.NoError(t, err)

	got, err := h.store.GetHandover(ctx, hr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoverApproved, got.Status)
	require.NotNil(t, got.NewAgent)
	assert.Equal(t, relief.Email, got.NewAgent.Email)

	work := h.stepByTemplateID(t, ticket.ID, "work")
	require.NotNil(t, work.AssignedTo)
	assert.Equal(t, relief.Email, work.AssignedTo.Email)

	// A settled request does not decide twice.
	_, err = h.engine.DecideHandover(ctx, as(manager), ticket.ID, hr.ID, false, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	// The relieved step completes under its new agent.
	final, err := h.engine.CompleteTask(ctx, as(relief), ticket.ID, "work", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCompleted, final.Status)

	assertKindOrder(t, h.auditKinds(t, ticket.ID),
		domain.AuditHandoverRequested,
		domain.AuditHandoverApproved,
	)
}

func TestHandoverRejectionKeepsAssignee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.ticketAtWork(t)

	hr, err := h.engine.RequestHandover(ctx, as(agent), ticket.ID, "work", "overloaded")
	require.NoError(t, err)

	_, err = h.engine.DecideHandover(ctx, as(manager), ticket.ID, hr.ID, false, nil)
	require.NoError(t, err)

	got, err := h.store.GetHandover(ctx, hr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoverRejected, got.Status)

	work := h.stepByTemplateID(t, ticket.ID, "work")
	require.NotNil(t, work.AssignedTo)
	assert.Equal(t, agent.Email, work.AssignedTo.Email)
	assertKindOrder(t, h.auditKinds(t, ticket.ID), domain.AuditHandoverRejected)
}

func TestHandoverCancelledByItsRequesterOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.ticketAtWork(t)

	hr, err := h.engine.RequestHandover(ctx, as(agent), ticket.ID, "work", "overloaded")
	require.NoError(t, err)

	err = h.engine.CancelHandover(ctx, as(manager), ticket.ID, hr.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	require.NoError(t, h.engine.CancelHandover(ctx, as(agent), ticket.ID, hr.ID))
	got, err := h.store.GetHandover(ctx, hr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoverCancelled, got.Status)

	// The withdrawn request frees the step for a new one.
	_, err = h.engine.RequestHandover(ctx, as(agent), ticket.ID, "work", "still overloaded")
	require.NoError(t, err)
}
