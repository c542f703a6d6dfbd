// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine advances tickets through their workflow graphs: step
// activation and completion, transition resolution, fork/join coordination,
// sub-workflow expansion, side threads (info requests, handovers, holds),
// and terminal handling. Every mutating action authorizes through the guard,
// writes through the repository under optimistic concurrency, appends audit
// events, and enqueues notifications into the durable outbox.
package engine

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/rashadism/ticketflow/internal/accessstore"
	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/approver"
	"github.com/rashadism/ticketflow/internal/attachments"
	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/directory"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/guard"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/repository"
	"github.com/rashadism/ticketflow/internal/subworkflow"
)

// Deps are the engine's collaborators.
type Deps struct {
	Store        *repository.Store
	Guard        *guard.Guard
	Resolver     *approver.Resolver
	Materializer *subworkflow.Materializer
	Expander     *subworkflow.Expander
	Directory    directory.Directory
	Attachments  attachments.Store
	Access       *accessstore.Store
	Audit        *audit.Writer
	IDs          idgen.Generator
	Clock        idgen.Clock
	Logger       *slog.Logger
}

// Engine is the workflow engine.
type Engine struct {
	store        *repository.Store
	guard        *guard.Guard
	resolver     *approver.Resolver
	materializer *subworkflow.Materializer
	expander     *subworkflow.Expander
	directory    directory.Directory
	attachments  attachments.Store
	access       *accessstore.Store
	audit        *audit.Writer
	ids          idgen.Generator
	clock        idgen.Clock
	logger       *slog.Logger
	validate     *validator.Validate
}

// New creates the engine.
func New(d Deps) *Engine {
	return &Engine{
		store:        d.Store,
		guard:        d.Guard,
		resolver:     d.Resolver,
		materializer: d.Materializer,
		expander:     d.Expander,
		directory:    d.Directory,
		attachments:  d.Attachments,
		access:       d.Access,
		audit:        d.Audit,
		ids:          d.IDs,
		clock:        d.Clock,
		logger:       d.Logger,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

// actionEnv is the loaded state one action works over.
type actionEnv struct {
	ticket  *domain.Ticket
	version *domain.WorkflowVersion
	def     *domain.WorkflowDefinition
	steps   []domain.TicketStep
}

// loadEnv loads the ticket, its bound workflow version, and all steps.
func (e *Engine) loadEnv(ctx context.Context, ticketID string) (*actionEnv, error) {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	version, err := e.store.GetVersionByID(ctx, ticket.WorkflowVersionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return &actionEnv{
		ticket:  ticket,
		version: version,
		def:     &version.Definition,
		steps:   steps,
	}, nil
}

// reloadSteps refreshes env.steps after cascading writes.
func (e *Engine) reloadSteps(ctx context.Context, env *actionEnv) error {
	steps, err := e.store.ListSteps(ctx, env.ticket.ID)
	if err != nil {
		return err
	}
	env.steps = steps
	return nil
}

// defFor returns the definition governing a step's transitions: the parent
// workflow's for ordinary steps, the expanded sub-workflow's for steps
// materialized by a SUB_WORKFLOW_STEP.
func (e *Engine) defFor(ctx context.Context, env *actionEnv, step *domain.TicketStep) (*domain.WorkflowDefinition, error) {
	if step.ParentSubWorkflowStepID == "" {
		return env.def, nil
	}
	parent, err := e.store.GetStep(ctx, step.ParentSubWorkflowStepID)
	if err != nil {
		return nil, err
	}
	parentDef := env.def.StepByID(parent.StepID)
	if parentDef == nil || parentDef.SubWorkflow == nil {
		return nil, apperr.New(apperr.KindInvalidState,
			"step %s claims sub-workflow parent %s which is not a sub-workflow step", step.ID, parent.ID)
	}
	sub, err := e.store.GetVersion(ctx, parentDef.SubWorkflow.WorkflowID, parentDef.SubWorkflow.VersionNumber)
	if err != nil {
		return nil, err
	}
	return &sub.Definition, nil
}

// stepDef returns the definition of a materialized step from its governing
// definition.
func (e *Engine) stepDef(ctx context.Context, env *actionEnv, step *domain.TicketStep) (*domain.StepDefinition, *domain.WorkflowDefinition, error) {
	def, err := e.defFor(ctx, env, step)
	if err != nil {
		return nil, nil, err
	}
	sd := def.StepByID(step.StepID)
	if sd == nil {
		return nil, nil, apperr.StepNotFound(step.StepID)
	}
	return sd, def, nil
}

// findStep locates a ticket step instance by template step id.
func (e *Engine) findStep(ctx context.Context, env *actionEnv, templateStepID string) (*domain.TicketStep, error) {
	return e.store.FindStep(ctx, env.ticket.ID, templateStepID)
}

// conditionContext builds the evaluation context shared by transition
// conditions and conditional field requirements.
func conditionContext(t *domain.Ticket) map[string]any {
	return map[string]any{
		"form_values": t.FormValues,
		"ticket": map[string]any{
			"status": string(t.Status),
			"title":  t.Title,
		},
	}
}

// basePayload is the notification payload every template can rely on.
func basePayload(t *domain.Ticket) map[string]any {
	return map[string]any{
		"ticket_id":      t.ID,
		"ticket_title":   t.Title,
		"requester_name": t.Requester.DisplayName,
	}
}

// notifyUsers enqueues one outbox row for the distinct recipients. Enqueue
// failures are logged, never allowed to abort the action that raised them.
func (e *Engine) notifyUsers(ctx context.Context, env *actionEnv, correlationID string,
	key notification.Key, users []domain.UserRef, payload map[string]any) {
	seen := map[string]bool{}
	var recipients []string
	for _, u := range users {
		email := u.NormalizedEmail()
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		recipients = append(recipients, email)
	}
	if len(recipients) == 0 {
		return
	}
	n := &domain.NotificationOutbox{
		ID:            e.ids.NewID(idgen.PrefixNotification),
		TemplateKey:   string(key),
		Category:      string(notification.CategoryOf(key)),
		Recipients:    recipients,
		Payload:       payload,
		TicketID:      env.ticket.ID,
		CorrelationID: correlationID,
	}
	if err := e.store.EnqueueNotification(ctx, n); err != nil {
		e.logger.Error("failed to enqueue notification",
			"template", key, "ticket_id", env.ticket.ID, "error", err)
	}
}

// onboard registers a principal that just became responsible for a step.
// Onboarding failures are logged and tolerated; the action proceeds.
func (e *Engine) onboard(ctx context.Context, env *actionEnv, correlationID string,
	u domain.UserRef, trigger string, asManager, asAgent bool) {
	if u.NormalizedEmail() == "" {
		return
	}
	res, err := e.access.AutoOnboard(ctx, u.Email, u.DisplayName, trigger, asManager, asAgent, u.AADID, "engine")
	if err != nil {
		e.logger.Error("auto-onboarding failed",
			"email", u.NormalizedEmail(), "trigger", trigger, "error", err)
		return
	}
	if res.WasCreated || res.AddedManager || res.AddedAgent {
		_ = e.audit.Write(ctx, correlationID, audit.Entry{
			TicketID: env.ticket.ID,
			Kind:     domain.AuditAutoOnboarded,
			Actor:    u,
			Details: map[string]any{
				"trigger":       trigger,
				"created":       res.WasCreated,
				"added_manager": res.AddedManager,
				"added_agent":   res.AddedAgent,
			},
		})
	}
}

// guardEnv assembles the guard's view for a step-scoped action.
func (e *Engine) guardEnv(ctx context.Context, env *actionEnv, step *domain.TicketStep) (guard.Env, error) {
	ge := guard.Env{
		Ticket:   env.ticket,
		Step:     step,
		AllSteps: env.steps,
	}
	if step != nil {
		ir, err := e.store.OpenInfoRequest(ctx, step.ID)
		if err != nil {
			return ge, err
		}
		ge.OpenInfoRequest = ir
		tasks, err := e.store.ListApprovalTasks(ctx, step.ID)
		if err != nil {
			return ge, err
		}
		ge.ApprovalTasks = tasks
	}
	return ge, nil
}

// authorize runs the guard for a step action.
func (e *Engine) authorize(ctx context.Context, env *actionEnv, step *domain.TicketStep,
	actor domain.Actor, action domain.Action) (guard.Env, error) {
	ge, err := e.guardEnv(ctx, env, step)
	if err != nil {
		return ge, err
	}
	if err := e.guard.CanActOnStep(actor.UserRef, ge, action); err != nil {
		return ge, err
	}
	return ge, nil
}
