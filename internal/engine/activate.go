// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"

	"github.com/rashadism/ticketflow/internal/accessstore"
	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/approver"
	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/identity"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/repository"
)

// activateStep starts a materialized step, dispatching by its type. The
// ticket is mutated in memory only; the calling action persists it once.
func (e *Engine) activateStep(ctx context.Context, env *actionEnv, actor domain.Actor, step *domain.TicketStep) error {
	sd, def, err := e.stepDef(ctx, env, step)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	step.StartedAt = &now
	if sd.SLA != nil && sd.SLA.DueMinutes > 0 {
		due := now.Add(time.Duration(sd.SLA.DueMinutes) * time.Minute)
		step.DueAt = &due
	}
	e.setCurrent(env, step)

	switch sd.StepType {
	case domain.StepTypeForm:
		return e.activateForm(ctx, env, actor, step, sd, def)
	case domain.StepTypeApproval:
		return e.activateApproval(ctx, env, actor, step, sd)
	case domain.StepTypeTask:
		return e.activateTask(ctx, env, step, sd, def)
	case domain.StepTypeNotify:
		return e.activateNotify(ctx, env, actor, step, sd, def)
	case domain.StepTypeFork:
		return e.activateFork(ctx, env, actor, step, sd)
	case domain.StepTypeJoin:
		return e.activateJoin(ctx, env, actor, step, sd)
	case domain.StepTypeSubWorkflow:
		return e.activateSubWorkflow(ctx, env, actor, step, sd)
	}
	return apperr.New(apperr.KindInvalidState, "step %s has unknown type %q", step.StepID, sd.StepType)
}

// setCurrent records the step as the ticket's (or its branch's) position.
func (e *Engine) setCurrent(env *actionEnv, step *domain.TicketStep) {
	if step.InBranch() {
		if b := env.ticket.Branch(step.ParentForkStepID, step.BranchID); b != nil {
			b.CurrentStepID = step.StepID
		}
		return
	}
	env.ticket.CurrentStepID = step.StepID
}

func (e *Engine) activateForm(ctx context.Context, env *actionEnv, actor domain.Actor,
	step *domain.TicketStep, sd *domain.StepDefinition, def *domain.WorkflowDefinition) error {
	step.State = domain.StepActive
	step.SetAssignee(&env.ticket.Requester)
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	// The workflow's start form is filled at creation; no nag for it.
	if !(step.ParentSubWorkflowStepID == "" && step.StepID == def.StartStepID) {
		payload := basePayload(env.ticket)
		payload["step_name"] = step.StepName
		e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyFormPending,
			[]domain.UserRef{env.ticket.Requester}, payload)
	}
	return nil
}

func (e *Engine) activateApproval(ctx context.Context, env *actionEnv, actor domain.Actor,
	step *domain.TicketStep, sd *domain.StepDefinition) error {
	cfg := sd.Approval
	res, err := e.resolver.Resolve(approver.Input{
		Config:   cfg,
		Ticket:   env.ticket,
		AllSteps: env.steps,
		Lookups:  env.version.Lookups,
	})
	if err != nil {
		return err
	}

	if cfg != nil && cfg.Parallel != nil {
		return e.activateParallelApproval(ctx, env, actor, step, cfg, res)
	}

	primary := res.Primary
	step.State = domain.StepWaitingForApproval
	step.SetAssignee(&primary)
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	task := domain.ApprovalTask{
		ID:           e.ids.NewID(idgen.PrefixApprovalTask),
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Approver:     primary,
		Decision:     domain.DecisionPending,
	}
	repository.NormalizeApprover(&task)
	if err := e.store.CreateApprovalTasks(ctx, []domain.ApprovalTask{task}); err != nil {
		return err
	}

	trigger := accessstore.TriggerApprovalAssignment
	if cfg != nil && cfg.Mode == domain.ApproverFromLookup {
		trigger = accessstore.TriggerLookupAssignment
	}
	e.onboard(ctx, env, actor.CorrelationID, primary, trigger, true, false)

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyApprovalPending,
		[]domain.UserRef{primary}, payload)

	// Lookup-routed approvals also notify the entry's secondary users.
	if len(res.Secondary) > 0 {
		secPayload := basePayload(env.ticket)
		secPayload["step_name"] = step.StepName
		secPayload["primary_name"] = primary.DisplayName
		e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyLookupSecondary,
			res.Secondary, secPayload)
	}
	return nil
}

// activateParallelApproval builds the parallel approver set: the configured
// set, plus the mode-resolved approver when not already present. The primary
// is the explicitly designated one, else the first.
func (e *Engine) activateParallelApproval(ctx context.Context, env *actionEnv, actor domain.Actor,
	step *domain.TicketStep, cfg *domain.ApprovalConfig, res *approver.Resolution) error {
	set := make([]domain.UserRef, 0, len(cfg.Parallel.Approvers)+1)
	set = append(set, cfg.Parallel.Approvers...)
	if !res.Primary.IsZero() && !identity.InRefs(res.Primary, set) {
		set = append(set, res.Primary)
	}
	if len(set) == 0 {
		set = cfg.Parallel.Fallbacks
	}
	if len(set) == 0 {
		return apperr.New(apperr.KindApproverResolution,
			"parallel approval %s resolved an empty approver set", step.StepID)
	}

	primaryIdx := 0
	if cfg.Parallel.PrimaryEmail != "" {
		for i, u := range set {
			if identity.MatchesEmail(u, cfg.Parallel.PrimaryEmail) {
				primaryIdx = i
				break
			}
		}
	}

	rule := cfg.Parallel.Rule
	if rule == "" {
		rule = domain.ParallelAll
	}
	step.State = domain.StepWaitingForApproval
	step.SetAssignee(nil)
	step.Data.ParallelRule = rule
	step.Data.ParallelPendingApprovers = nil
	step.Data.ParallelCompletedApprovers = nil
	step.Data.ParallelApproversInfo = nil

	tasks := make([]domain.ApprovalTask, 0, len(set))
	for i, u := range set {
		step.Data.ParallelPendingApprovers = append(step.Data.ParallelPendingApprovers, u.NormalizedEmail())
		step.Data.ParallelApproversInfo = append(step.Data.ParallelApproversInfo,
			domain.ParallelApproverInfo{User: u, IsPrimary: i == primaryIdx})
		task := domain.ApprovalTask{
			ID:           e.ids.NewID(idgen.PrefixApprovalTask),
			TicketID:     env.ticket.ID,
			TicketStepID: step.ID,
			Approver:     u,
			Decision:     domain.DecisionPending,
		}
		repository.NormalizeApprover(&task)
		tasks = append(tasks, task)
	}
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	if err := e.store.CreateApprovalTasks(ctx, tasks); err != nil {
		return err
	}

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	for _, u := range set {
		e.onboard(ctx, env, actor.CorrelationID, u, accessstore.TriggerApprovalAssignment, true, false)
	}
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyApprovalPending, set, payload)
	return nil
}

func (e *Engine) activateTask(ctx context.Context, env *actionEnv,
	step *domain.TicketStep, sd *domain.StepDefinition, def *domain.WorkflowDefinition) error {
	step.State = domain.StepActive
	step.SetAssignee(nil)
	if sd.Task != nil {
		step.Data.Instructions = sd.Task.Instructions
		if sd.Task.LinkedSection != nil {
			step.Data.LinkedRows = buildLinkedRows(env.ticket.FormValues, sd.Task.LinkedSection, def)
		}
	}
	return e.store.UpdateStep(ctx, step)
}

// buildLinkedRows produces one pre-populated task row per source row of the
// linked repeating section, each value decorated with its field label.
func buildLinkedRows(formValues map[string]any, ref *domain.LinkedSectionRef, def *domain.WorkflowDefinition) []domain.LinkedRow {
	labels := map[string]string{}
	if src := def.StepByID(ref.FormStepID); src != nil && src.Form != nil {
		for _, f := range src.Form.Fields {
			if f.Section == ref.SectionKey {
				labels[f.Key] = f.Label
			}
		}
	}

	raw, ok := formValues[ref.SectionKey]
	if !ok {
		return nil
	}
	rows, ok := raw.([]any)
	if !ok {
		return nil
	}

	out := make([]domain.LinkedRow, 0, len(rows))
	for i, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		ctxMap := make(map[string]domain.LinkedRowValue, len(row))
		for k, v := range row {
			ctxMap[k] = domain.LinkedRowValue{Value: v, Label: labels[k]}
		}
		out = append(out, domain.LinkedRow{SourceRowIndex: i, Context: ctxMap})
	}
	return out
}

func (e *Engine) activateNotify(ctx context.Context, env *actionEnv, actor domain.Actor,
	step *domain.TicketStep, sd *domain.StepDefinition, def *domain.WorkflowDefinition) error {
	// A terminal notify after an early join waits for the background
	// branches; it is re-activated when the last branch turns terminal.
	if sd.IsTerminal && env.ticket.JoinProceeded && anyBranchActive(env.ticket) {
		env.ticket.PendingEndStepID = step.ID
		e.logger.Debug("terminal notify deferred until branches settle",
			"ticket_id", env.ticket.ID, "step", step.StepID)
		return nil
	}

	if sd.Notify != nil {
		recipients := e.resolveRecipients(env, sd.Notify.Recipients)
		key := notification.Key(sd.Notify.TemplateKey)
		if !notification.Known(key) {
			key = notification.KeyStepNotify
		}
		payload := basePayload(env.ticket)
		payload["step_name"] = step.StepName
		e.notifyUsers(ctx, env, actor.CorrelationID, key, recipients, payload)
	}

	now := e.clock.Now()
	step.State = domain.StepCompleted
	step.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	return e.advanceAnyEvent(ctx, env, actor, step, def)
}

// resolveRecipients expands the declared recipient kinds over the ticket.
func (e *Engine) resolveRecipients(env *actionEnv, kinds []domain.RecipientKind) []domain.UserRef {
	var out []domain.UserRef
	for _, kind := range kinds {
		switch kind {
		case domain.RecipientRequester:
			out = append(out, env.ticket.Requester)
		case domain.RecipientAssignedAgent:
			for i := range env.steps {
				s := &env.steps[i]
				if s.StepType == domain.StepTypeTask && s.AssignedTo != nil {
					out = append(out, *s.AssignedTo)
				}
			}
		case domain.RecipientApprovers:
			for i := range env.steps {
				s := &env.steps[i]
				if s.StepType != domain.StepTypeApproval || s.State != domain.StepCompleted {
					continue
				}
				if s.AssignedTo != nil {
					out = append(out, *s.AssignedTo)
				}
				for _, info := range s.Data.ParallelApproversInfo {
					out = append(out, info.User)
				}
			}
		}
	}
	return out
}

func anyBranchActive(t *domain.Ticket) bool {
	for i := range t.ActiveBranches {
		if !t.ActiveBranches[i].State.IsTerminal() {
			return true
		}
	}
	return false
}

func (e *Engine) activateFork(ctx context.Context, env *actionEnv, actor domain.Actor,
	step *domain.TicketStep, sd *domain.StepDefinition) error {
	now := e.clock.Now()
	step.State = domain.StepCompleted
	step.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	branchNames := make([]string, 0, len(sd.Fork.Branches))
	for _, b := range sd.Fork.Branches {
		env.ticket.ActiveBranches = append(env.ticket.ActiveBranches, domain.BranchState{
			BranchID:         b.BranchID,
			BranchName:       b.BranchName,
			ParentForkStepID: step.StepID,
			State:            domain.BranchActive,
			CurrentStepID:    b.StartStepID,
		})
		branchNames = append(branchNames, b.BranchName)
	}
	// active_branches is now authoritative for position.
	env.ticket.CurrentStepID = step.StepID

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditForkActivated,
		Actor:        actor.UserRef,
		Details:      map[string]any{"branches": branchNames},
	})

	for _, b := range sd.Fork.Branches {
		start, err := e.findStep(ctx, env, b.StartStepID)
		if err != nil {
			return err
		}
		if err := e.activateStep(ctx, env, actor, start); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) activateJoin(ctx context.Context, env *actionEnv, actor domain.Actor,
	step *domain.TicketStep, sd *domain.StepDefinition) error {
	step.State = domain.StepWaitingForBranches
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	// Completion may already hold (a sibling finished before the join
	// activated).
	return e.evaluateJoin(ctx, env, actor, step, sd)
}

func (e *Engine) activateSubWorkflow(ctx context.Context, env *actionEnv, actor domain.Actor,
	step *domain.TicketStep, sd *domain.StepDefinition) error {
	step.State = domain.StepActive
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	if err := e.reloadSteps(ctx, env); err != nil {
		return err
	}
	exp, err := e.expander.Expand(ctx, env.ticket, step, sd.SubWorkflow, len(env.steps))
	if err != nil {
		return err
	}
	if exp.Start == nil {
		return apperr.New(apperr.KindInvalidState,
			"sub-workflow %s has no start step", sd.SubWorkflow.WorkflowID)
	}
	if err := e.reloadSteps(ctx, env); err != nil {
		return err
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditSubWorkflowStarted,
		Actor:        actor.UserRef,
		Details: map[string]any{
			"workflow_id": sd.SubWorkflow.WorkflowID,
			"version":     exp.Version.Number,
		},
	})
	return e.activateStep(ctx, env, actor, exp.Start)
}
