// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/subworkflow"
)

// CreateTicketInput is the create-ticket payload.
type CreateTicketInput struct {
	WorkflowID    string `validate:"required"`
	Title         string `validate:"required,max=500"`
	Description   string
	FormValues    map[string]any
	AttachmentIDs []string
	// PrefilledStepIDs are the wizard-filled form steps, in workflow order.
	// Each is marked COMPLETED at creation and the transition target of the
	// last one is activated.
	PrefilledStepIDs []string
}

// CreateTicket instantiates a ticket against the latest published version of
// the workflow, materializes every step, and activates the starting point.
func (e *Engine) CreateTicket(ctx context.Context, actor domain.Actor, in CreateTicketInput) (*domain.Ticket, error) {
	if err := e.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid create ticket payload")
	}

	tmpl, err := e.store.GetTemplate(ctx, in.WorkflowID)
	if err != nil {
		return nil, err
	}
	if tmpl.Archived {
		return nil, apperr.InvalidState("workflow %s is archived", tmpl.ID)
	}
	version, err := e.store.GetVersion(ctx, in.WorkflowID, 0)
	if err != nil {
		return nil, err
	}
	def := &version.Definition

	// Validate the prefilled forms against their definitions up front so a
	// bad submission creates nothing.
	for _, stepID := range in.PrefilledStepIDs {
		sd := def.StepByID(stepID)
		if sd == nil || sd.StepType != domain.StepTypeForm {
			return nil, apperr.Validation("prefilled step is not a form step",
				apperr.FieldMessage{Field: "prefilled_step_ids", Message: stepID})
		}
		if err := validateForm(sd.Form, in.FormValues); err != nil {
			return nil, err
		}
	}

	manager, err := e.directory.GetUserManager(ctx, actor.Email, actor.UserRef, "")
	if err != nil {
		// A directory outage must not block ticket creation; approval
		// resolution falls back to the SPOC chain.
		e.logger.Warn("manager lookup failed at ticket creation",
			"requester", actor.NormalizedEmail(), "error", err)
		manager = nil
	}

	now := e.clock.Now()
	ticket := &domain.Ticket{
		ID:                e.ids.NewID(idgen.PrefixTicket),
		WorkflowID:        in.WorkflowID,
		WorkflowVersionID: version.ID,
		VersionNumber:     version.Number,
		Title:             in.Title,
		Description:       in.Description,
		Status:            domain.TicketOpen,
		CurrentStepID:     def.StartStepID,
		Requester:         actor.UserRef,
		ManagerSnapshot:   manager,
		FormValues:        in.FormValues,
		AttachmentIDs:     in.AttachmentIDs,
	}
	if ticket.FormValues == nil {
		ticket.FormValues = map[string]any{}
	}
	if len(in.FormValues) > 0 {
		ticket.FormVersion = 1
		ticket.FormVersions = []domain.FormVersion{{
			Version:       1,
			Source:        domain.FormVersionInitial,
			FormValues:    in.FormValues,
			AttachmentIDs: in.AttachmentIDs,
			ChangedBy:     actor.UserRef,
			CreatedAt:     now,
		}}
	}
	if err := e.store.CreateTicket(ctx, ticket); err != nil {
		return nil, err
	}

	steps := e.materializer.BuildSteps(def, ticket.ID, subworkflow.BuildOptions{})
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return nil, err
	}

	for _, id := range in.AttachmentIDs {
		if err := e.attachments.MoveTempAttachment(ctx, id, ticket.ID); err != nil {
			e.logger.Warn("failed to move attachment",
				"attachment_id", id, "ticket_id", ticket.ID, "error", err)
		}
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID: ticket.ID,
		Kind:     domain.AuditCreateTicket,
		Actor:    actor.UserRef,
		Details:  map[string]any{"workflow_id": in.WorkflowID, "version": version.Number},
	})

	env := &actionEnv{ticket: ticket, version: version, def: def, steps: steps}
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyTicketCreated,
		[]domain.UserRef{actor.UserRef}, basePayload(ticket))

	if len(in.PrefilledStepIDs) > 0 {
		if err := e.completePrefilledForms(ctx, env, actor, in.PrefilledStepIDs); err != nil {
			return nil, err
		}
	} else {
		start, err := e.findStep(ctx, env, def.StartStepID)
		if err != nil {
			return nil, err
		}
		if err := e.activateStep(ctx, env, actor, start); err != nil {
			return nil, err
		}
	}

	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	e.logger.Info("ticket created",
		"ticket_id", ticket.ID, "workflow_id", in.WorkflowID,
		"requester", actor.NormalizedEmail(), "status", env.ticket.Status)
	return env.ticket, nil
}

// completePrefilledForms marks each wizard-filled form COMPLETED, audits one
// SUBMIT_FORM per form, and advances from the last one.
func (e *Engine) completePrefilledForms(ctx context.Context, env *actionEnv, actor domain.Actor, stepIDs []string) error {
	now := e.clock.Now()
	var last *domain.TicketStep
	for _, stepID := range stepIDs {
		step, err := e.findStep(ctx, env, stepID)
		if err != nil {
			return err
		}
		step.State = domain.StepCompleted
		step.SetAssignee(&env.ticket.Requester)
		step.StartedAt = &now
		step.CompletedAt = &now
		step.Data.FormValues = env.ticket.FormValues
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return err
		}
		_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
			TicketID:     env.ticket.ID,
			TicketStepID: step.ID,
			Kind:         domain.AuditSubmitForm,
			Actor:        actor.UserRef,
			Details:      map[string]any{"step_id": stepID, "prefilled": true},
		})
		last = step
	}

	env.ticket.Status = domain.TicketInProgress
	if err := e.reloadSteps(ctx, env); err != nil {
		return err
	}
	return e.advance(ctx, env, actor, last, domain.EventSubmitForm)
}
