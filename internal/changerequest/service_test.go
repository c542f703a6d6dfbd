// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package changerequest_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashadism/ticketflow/internal/accessstore"
	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/approver"
	"github.com/rashadism/ticketflow/internal/attachments"
	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/changerequest"
	"github.com/rashadism/ticketflow/internal/directory"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/engine"
	"github.com/rashadism/ticketflow/internal/guard"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/repository"
	"github.com/rashadism/ticketflow/internal/subworkflow"
)

var (
	requester = domain.UserRef{Email: "requester@corp.example", DisplayName: "Req"}
	manager   = domain.UserRef{Email: "manager@corp.example", DisplayName: "Mgr"}
	reviewer  = domain.UserRef{Email: "reviewer@corp.example", DisplayName: "Rev"}
	agent     = domain.UserRef{Email: "agent@corp.example", DisplayName: "Agt"}
)

func as(u domain.UserRef) domain.Actor {
	return domain.Actor{UserRef: u, CorrelationID: "corr-" + u.NormalizedEmail()}
}

type fixture struct {
	service *changerequest.Service
	engine  *engine.Engine
	store   *repository.Store
	atts    *attachments.InMemory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := idgen.SystemClock{}
	ids := idgen.UUIDGenerator{}

	store, err := repository.Open(":memory:", clock, logger)
	require.NoError(t, err)
	access, err := accessstore.New(store.DB(), clock, logger)
	require.NoError(t, err)

	m := subworkflow.NewMaterializer(ids, clock)
	dir := directory.NewStatic()
	dir.SetManager(requester.Email, manager)
	atts := attachments.NewInMemory()
	aw := audit.NewWriter(store, ids, clock, logger)

	eng := engine.New(engine.Deps{
		Store:        store,
		Guard:        guard.New(logger),
		Resolver:     approver.New(logger),
		Materializer: m,
		Expander:     subworkflow.NewExpander(store, m, logger),
		Directory:    dir,
		Attachments:  atts,
		Access:       access,
		Audit:        aw,
		IDs:          ids,
		Clock:        clock,
		Logger:       logger,
	})
	return &fixture{
		service: changerequest.New(store, aw, atts, ids, clock, logger),
		engine:  eng,
		store:   store,
		atts:    atts,
	}
}

// pausedTicket drives a workflow to the point a change request becomes legal:
// form submitted, approval completed, task active and assigned.
func (f *fixture) activeTicket(t *testing.T) *domain.Ticket {
	t.Helper()
	ctx := context.Background()

	def := domain.WorkflowDefinition{
		StartStepID: "intake",
		Steps: []domain.StepDefinition{
			{
				StepID: "intake", StepName: "Intake", StepType: domain.StepTypeForm,
				Form: &domain.FormConfig{Fields: []domain.FieldDefinition{
					{Key: "summary", Label: "Summary", Required: true},
					{Key: "amount", Label: "Amount", Type: "number"},
				}},
			},
			{
				StepID: "review", StepName: "Review", StepType: domain.StepTypeApproval,
				Approval: &domain.ApprovalConfig{
					Mode:          domain.ApproverSpecificEmail,
					SpecificEmail: reviewer.Email,
				},
			},
			{StepID: "work", StepName: "Work", StepType: domain.StepTypeTask, Task: &domain.TaskConfig{}},
			{
				StepID: "done", StepName: "Done", StepType: domain.StepTypeNotify, IsTerminal: true,
				Notify: &domain.NotifyConfig{Recipients: []domain.RecipientKind{domain.RecipientRequester}},
			},
		},
		Transitions: []domain.Transition{
			{FromStepID: "intake", OnEvent: domain.EventSubmitForm, ToStepID: "review"},
			{FromStepID: "review", OnEvent: domain.EventApprove, ToStepID: "work"},
			{FromStepID: "work", OnEvent: domain.EventCompleteTask, ToStepID: "done"},
		},
	}
	require.NoError(t, f.store.CreateTemplate(ctx, &domain.WorkflowTemplate{ID: "wf-cr", Name: "CR flow"}))
	require.NoError(t, f.store.PublishVersion(ctx, &domain.WorkflowVersion{
		ID: "wf-cr-v1", WorkflowID: "wf-cr", Definition: def,
	}))

	ticket, err := f.engine.CreateTicket(ctx, as(requester), engine.CreateTicketInput{
		WorkflowID: "wf-cr", Title: "New laptop",
	})
	require.NoError(t, err)
	_, err = f.engine.SubmitForm(ctx, as(requester), ticket.ID, "intake",
		map[string]any{"summary": "macbook", "amount": float64(1200)}, nil)
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, as(reviewer), ticket.ID, "review", "ok")
	require.NoError(t, err)
	ticket, err = f.engine.AssignAgent(ctx, as(manager), ticket.ID, "work", agent, "")
	require.NoError(t, err)
	return ticket
}

func (f *fixture) step(t *testing.T, ticketID, stepID string) *domain.TicketStep {
	t.Helper()
	step, err := f.store.FindStep(context.Background(), ticketID, stepID)
	require.NoError(t, err)
	return step
}

func TestCreatePausesWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.activeTicket(t)

	cr, err := f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook pro", "amount": float64(1200)}, nil, "need the bigger one")
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeRequestPending, cr.Status)
	assert.Equal(t, reviewer.Email, cr.Approver.Email)

	wantChanges := []domain.FieldChange{{
		StepID: "intake", StepName: "Intake",
		FieldKey: "summary", FieldLabel: "Summary",
		OldValue: "macbook", NewValue: "macbook pro",
	}}
	assert.Empty(t, cmp.Diff(wantChanges, cr.FieldChanges))

	got, err := f.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketWaitingForCR, got.Status)
	assert.Equal(t, domain.TicketInProgress, got.PreviousStatus)
	assert.Equal(t, cr.ID, got.PendingChangeRequestID)
	assert.Nil(t, got.CRLock, "lock is released after creation")

	work := f.step(t, ticket.ID, "work")
	assert.Equal(t, domain.StepWaitingForCR, work.State)
	assert.Equal(t, domain.StepActive, work.PreviousState)

	// The form values themselves are untouched until approval.
	assert.Equal(t, "macbook", got.FormValues["summary"])
}

func TestCreateGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.activeTicket(t)

	_, err := f.service.Create(ctx, as(agent), ticket.ID, map[string]any{"summary": "x"}, nil, "")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	// A proposal that changes nothing is refused, and the workflow stays live.
	_, err = f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook", "amount": float64(1200)}, nil, "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	got, err := f.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketInProgress, got.Status)
	assert.Nil(t, got.CRLock, "lock released after a failed attempt")
}

func TestCreateRequiresCompletedApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := domain.WorkflowDefinition{
		StartStepID: "intake",
		Steps: []domain.StepDefinition{
			{
				StepID: "intake", StepName: "Intake", StepType: domain.StepTypeForm,
				Form: &domain.FormConfig{Fields: []domain.FieldDefinition{{Key: "summary", Label: "Summary"}}},
			},
			{StepID: "work", StepName: "Work", StepType: domain.StepTypeTask, Task: &domain.TaskConfig{}},
			{
				StepID: "done", StepType: domain.StepTypeNotify, IsTerminal: true,
				Notify: &domain.NotifyConfig{Recipients: []domain.RecipientKind{domain.RecipientRequester}},
			},
		},
		Transitions: []domain.Transition{
			{FromStepID: "intake", OnEvent: domain.EventSubmitForm, ToStepID: "work"},
			{FromStepID: "work", OnEvent: domain.EventCompleteTask, ToStepID: "done"},
		},
	}
	require.NoError(t, f.store.CreateTemplate(ctx, &domain.WorkflowTemplate{ID: "wf-noapproval", Name: "No approval"}))
	require.NoError(t, f.store.PublishVersion(ctx, &domain.WorkflowVersion{
		ID: "wf-noapproval-v1", WorkflowID: "wf-noapproval", Definition: def,
	}))

	ticket, err := f.engine.CreateTicket(ctx, as(requester), engine.CreateTicketInput{
		WorkflowID: "wf-noapproval", Title: "No approvals yet",
	})
	require.NoError(t, err)
	_, err = f.engine.SubmitForm(ctx, as(requester), ticket.ID, "intake", map[string]any{"summary": "x"}, nil)
	require.NoError(t, err)

	_, err = f.service.Create(ctx, as(requester), ticket.ID, map[string]any{"summary": "y"}, nil, "")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestSecondCreateBlockedWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.activeTicket(t)

	first, err := f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook pro"}, nil, "")
	require.NoError(t, err)

	_, err = f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook air"}, nil, "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState) || apperr.IsKind(err, apperr.KindValidation))

	pending, err := f.store.PendingChangeRequest(ctx, ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, first.ID, pending.ID)
}

func TestApproveAppliesProposalAndResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.activeTicket(t)
	f.atts.PutName("AT-file", "quote.pdf")

	cr, err := f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook pro", "amount": float64(1800)},
		[]string{"AT-file"}, "spec change")
	require.NoError(t, err)

	var added bool
	for _, ac := range cr.AttachmentChanges {
		if ac.Change == domain.AttachmentAdded && ac.AttachmentID == "AT-file" {
			added = true
			assert.Equal(t, "quote.pdf", ac.FileName)
		}
	}
	assert.True(t, added)

	cr, err = f.service.Approve(ctx, as(reviewer), ticket.ID, cr.ID, "fine")
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeRequestApproved, cr.Status)
	require.NotNil(t, cr.ToVersion)
	assert.Equal(t, 2, *cr.ToVersion)

	got, err := f.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketInProgress, got.Status)
	assert.Empty(t, got.PendingChangeRequestID)
	assert.Equal(t, "macbook pro", got.FormValues["summary"])
	assert.Equal(t, 2, got.FormVersion)

	require.Len(t, got.FormVersions, 2)
	assert.Equal(t, domain.FormVersionInitial, got.FormVersions[0].Source)
	assert.Equal(t, domain.FormVersionChangeRequest, got.FormVersions[1].Source)
	assert.Equal(t, 2, got.FormVersions[1].Version)

	work := f.step(t, ticket.ID, "work")
	assert.Equal(t, domain.StepActive, work.State)
	assert.Empty(t, work.PreviousState)

	// The lock cycle is over; a fresh change request may open.
	_, err = f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook pro", "amount": float64(1900)},
		[]string{"AT-file"}, "price bump")
	require.NoError(t, err)
}

func TestApproveSettlesRequestBeforeResuming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.activeTicket(t)

	cr, err := f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook pro"}, nil, "")
	require.NoError(t, err)
	_, err = f.service.Approve(ctx, as(reviewer), ticket.ID, cr.ID, "")
	require.NoError(t, err)

	// The request row reaches APPROVED before the workflow wakes up, so a
	// crash between the two writes can never leave a resumed ticket pointing
	// at a still-pending proposal.
	events, err := f.store.ListAuditEvents(ctx, ticket.ID)
	require.NoError(t, err)
	approvedAt, resumedAt := -1, -1
	for i, ev := range events {
		switch ev.Kind {
		case domain.AuditChangeRequestApproved:
			approvedAt = i
		case domain.AuditCRWorkflowResumed:
			resumedAt = i
		}
	}
	require.NotEqual(t, -1, approvedAt)
	require.NotEqual(t, -1, resumedAt)
	assert.Less(t, approvedAt, resumedAt)
}

func TestRejectKeepsOriginalValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.activeTicket(t)

	cr, err := f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook pro"}, nil, "")
	require.NoError(t, err)

	// Only the approver or the manager may review.
	_, err = f.service.Reject(ctx, as(agent), ticket.ID, cr.ID, "no")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	cr, err = f.service.Reject(ctx, as(manager), ticket.ID, cr.ID, "too expensive")
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeRequestRejected, cr.Status)

	got, err := f.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketInProgress, got.Status)
	assert.Equal(t, "macbook", got.FormValues["summary"])
	assert.Equal(t, 0, got.FormVersion)
	assert.Empty(t, got.FormVersions)
}

func TestCancelByRequesterResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.activeTicket(t)

	cr, err := f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook pro"}, nil, "")
	require.NoError(t, err)

	_, err = f.service.Cancel(ctx, as(reviewer), ticket.ID, cr.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	cr, err = f.service.Cancel(ctx, as(requester), ticket.ID, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeRequestCancelled, cr.Status)

	work := f.step(t, ticket.ID, "work")
	assert.Equal(t, domain.StepActive, work.State)

	// A settled change request cannot be decided again.
	_, err = f.service.Reject(ctx, as(reviewer), ticket.ID, cr.ID, "")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestPausedTicketRefusesEngineActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.activeTicket(t)

	_, err := f.service.Create(ctx, as(requester), ticket.ID,
		map[string]any{"summary": "macbook pro"}, nil, "")
	require.NoError(t, err)

	_, err = f.engine.CompleteTask(ctx, as(agent), ticket.ID, "work", nil, "", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}
