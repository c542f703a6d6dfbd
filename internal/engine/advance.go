// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/transition"
)

// advance resolves the transition out of a finished step and applies it.
func (e *Engine) advance(ctx context.Context, env *actionEnv, actor domain.Actor,
	from *domain.TicketStep, event domain.EventType) error {
	def, err := e.defFor(ctx, env, from)
	if err != nil {
		return err
	}
	tr, err := transition.Resolve(def, from.StepID, event, conditionContext(env.ticket))
	if err != nil {
		return err
	}
	return e.applyTransition(ctx, env, actor, from, def, tr)
}

// advanceAnyEvent advances along whatever edge leaves the step, for steps
// that complete autonomously.
func (e *Engine) advanceAnyEvent(ctx context.Context, env *actionEnv, actor domain.Actor,
	from *domain.TicketStep, def *domain.WorkflowDefinition) error {
	tr, err := transition.ResolveAny(def, from.StepID, conditionContext(env.ticket))
	if err != nil {
		return err
	}
	return e.applyTransition(ctx, env, actor, from, def, tr)
}

// applyTransition moves the ticket onward. A nil transition means the
// finished step was terminal: the enclosing sub-workflow completes, or the
// ticket does.
func (e *Engine) applyTransition(ctx context.Context, env *actionEnv, actor domain.Actor,
	from *domain.TicketStep, def *domain.WorkflowDefinition, tr *domain.Transition) error {
	if from.InBranch() {
		if branch := env.ticket.Branch(from.ParentForkStepID, from.BranchID); branch != nil && !branch.State.IsTerminal() {
			return e.advanceInBranch(ctx, env, actor, from, def, tr, branch)
		}
	}

	if tr == nil {
		if from.ParentSubWorkflowStepID != "" {
			return e.completeSubWorkflow(ctx, env, actor, from)
		}
		return e.completeTicket(ctx, env, actor)
	}

	next, err := e.findStep(ctx, env, tr.ToStepID)
	if err != nil {
		return err
	}
	return e.activateStep(ctx, env, actor, next)
}

// advanceInBranch handles completion of a step that belongs to an active
// parallel branch.
func (e *Engine) advanceInBranch(ctx context.Context, env *actionEnv, actor domain.Actor,
	from *domain.TicketStep, def *domain.WorkflowDefinition, tr *domain.Transition,
	branch *domain.BranchState) error {
	if tr == nil {
		if from.ParentSubWorkflowStepID != "" {
			return e.completeSubWorkflow(ctx, env, actor, from)
		}
		// A terminal step inside the branch closes it.
		return e.closeBranch(ctx, env, actor, from, def, branch, domain.BranchCompleted)
	}

	nextDef := def.StepByID(tr.ToStepID)
	if nextDef != nil && nextDef.StepType == domain.StepTypeJoin &&
		nextDef.Join != nil && nextDef.Join.ForkStepID == branch.ParentForkStepID {
		// Reaching the join closes the branch; its last step stays recorded
		// as the branch position.
		return e.closeBranch(ctx, env, actor, from, def, branch, domain.BranchCompleted)
	}

	next, err := e.findStep(ctx, env, tr.ToStepID)
	if err != nil {
		return err
	}

	if next.BranchID != from.BranchID {
		// Cross-branch transition: close the outgoing branch, advance the
		// join if it can, and never propagate stale branch identity.
		if err := e.closeBranch(ctx, env, actor, from, def, branch, domain.BranchCompleted); err != nil {
			return err
		}
		if env.ticket.Status.IsTerminal() {
			return nil
		}
		return e.activateStep(ctx, env, actor, next)
	}

	return e.activateStep(ctx, env, actor, next)
}

// closeBranch marks the branch terminal, audits it, and drives whatever the
// closure implies: join evaluation, or the deferred finish when the join
// already proceeded.
func (e *Engine) closeBranch(ctx context.Context, env *actionEnv, actor domain.Actor,
	from *domain.TicketStep, def *domain.WorkflowDefinition,
	branch *domain.BranchState, state domain.BranchStatus) error {
	branch.State = state

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: from.ID,
		Kind:         domain.AuditBranchCompleted,
		Actor:        actor.UserRef,
		Details: map[string]any{
			"branch_id":   branch.BranchID,
			"branch_name": branch.BranchName,
			"state":       string(state),
		},
	})

	if env.ticket.JoinProceeded {
		// Background branch: record only, then finish the deferred terminal
		// notify once every branch has settled.
		return e.maybeFinishDeferred(ctx, env, actor)
	}
	return e.evaluateJoinOfFork(ctx, env, actor, def, branch.ParentForkStepID)
}

// evaluateJoinOfFork locates the join bound to a fork and re-evaluates its
// completion.
func (e *Engine) evaluateJoinOfFork(ctx context.Context, env *actionEnv, actor domain.Actor,
	def *domain.WorkflowDefinition, forkStepID string) error {
	var joinSD *domain.StepDefinition
	for i := range def.Steps {
		sd := &def.Steps[i]
		if sd.StepType == domain.StepTypeJoin && sd.Join != nil && sd.Join.ForkStepID == forkStepID {
			joinSD = sd
			break
		}
	}
	if joinSD == nil {
		return nil
	}
	joinStep, err := e.findStep(ctx, env, joinSD.StepID)
	if err != nil {
		return err
	}
	switch joinStep.State {
	case domain.StepNotStarted:
		return e.activateStep(ctx, env, actor, joinStep)
	case domain.StepWaitingForBranches:
		return e.evaluateJoin(ctx, env, actor, joinStep, joinSD)
	}
	return nil
}

// evaluateJoin applies the join-mode/failure-policy table over the fork's
// branch states and proceeds when the threshold holds.
func (e *Engine) evaluateJoin(ctx context.Context, env *actionEnv, actor domain.Actor,
	joinStep *domain.TicketStep, joinSD *domain.StepDefinition) error {
	def, err := e.defFor(ctx, env, joinStep)
	if err != nil {
		return err
	}
	forkID := joinSD.Join.ForkStepID
	forkSD := def.StepByID(forkID)
	if forkSD == nil || forkSD.Fork == nil {
		return nil
	}

	branches := env.ticket.BranchesOfFork(forkID)
	if len(branches) == 0 {
		return nil
	}
	var completed, failed int
	for _, b := range branches {
		switch {
		case b.State == domain.BranchCompleted:
			completed++
		case b.State.IsFailed():
			failed++
		}
	}
	if !joinShouldProceed(joinSD.Join.JoinMode, forkSD.Fork.FailurePolicy, completed, failed, len(branches)) {
		return nil
	}

	if joinSD.Join.JoinMode != domain.JoinAll {
		env.ticket.JoinProceeded = true
	}

	now := e.clock.Now()
	joinStep.State = domain.StepCompleted
	joinStep.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, joinStep); err != nil {
		return err
	}
	env.ticket.CurrentStepID = joinStep.StepID

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: joinStep.ID,
		Kind:         domain.AuditJoinCompleted,
		Actor:        actor.UserRef,
		Details: map[string]any{
			"join_mode": string(joinSD.Join.JoinMode),
			"completed": completed,
			"failed":    failed,
			"total":     len(branches),
		},
	})

	return e.advance(ctx, env, actor, joinStep, domain.EventJoinComplete)
}

// joinShouldProceed is the join threshold table. terminal = completed +
// failed; nonFailed = total - failed.
func joinShouldProceed(mode domain.JoinMode, policy domain.FailurePolicy, completed, failed, total int) bool {
	terminal := completed + failed
	nonFailed := total - failed

	if policy == domain.FailAll && mode != domain.JoinAll && failed >= 1 {
		// FAIL_ALL rejects the ticket elsewhere; the join never proceeds
		// over a failure.
		return false
	}

	switch mode {
	case domain.JoinAll:
		return completed == nonFailed && terminal == total
	case domain.JoinAny:
		if policy == domain.ContinueOthers {
			return terminal >= 1
		}
		return completed >= 1
	case domain.JoinMajority:
		if policy == domain.ContinueOthers {
			return terminal > total/2
		}
		return completed*2 > nonFailed
	}
	return false
}

// completeSubWorkflow closes the parent SUB_WORKFLOW_STEP after its expanded
// graph reached a terminal step, then advances the parent workflow.
func (e *Engine) completeSubWorkflow(ctx context.Context, env *actionEnv, actor domain.Actor,
	lastStep *domain.TicketStep) error {
	parent, err := e.store.GetStep(ctx, lastStep.ParentSubWorkflowStepID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	parent.State = domain.StepCompleted
	parent.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, parent); err != nil {
		return err
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: parent.ID,
		Kind:         domain.AuditSubWorkflowCompleted,
		Actor:        actor.UserRef,
		Details:      map[string]any{"from_sub_workflow_id": lastStep.FromSubWorkflowID},
	})

	if err := e.reloadSteps(ctx, env); err != nil {
		return err
	}
	return e.advance(ctx, env, actor, parent, domain.EventSubWorkflowCompleted)
}

// maybeFinishDeferred activates the deferred terminal notify once every
// branch is terminal: remaining branch steps are cancelled, the notify
// delivers, and the ticket completes.
func (e *Engine) maybeFinishDeferred(ctx context.Context, env *actionEnv, actor domain.Actor) error {
	if env.ticket.PendingEndStepID == "" || anyBranchActive(env.ticket) {
		return nil
	}

	if err := e.cancelSteps(ctx, env, actor, func(s *domain.TicketStep) bool {
		return s.InBranch() && !s.State.IsTerminal()
	}); err != nil {
		return err
	}

	pending, err := e.store.GetStep(ctx, env.ticket.PendingEndStepID)
	if err != nil {
		return err
	}
	env.ticket.PendingEndStepID = ""
	if err := e.reloadSteps(ctx, env); err != nil {
		return err
	}
	return e.activateStep(ctx, env, actor, pending)
}
