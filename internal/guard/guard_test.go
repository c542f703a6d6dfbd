// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package guard_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/guard"
)

var (
	requester = domain.UserRef{Email: "requester@corp.example", DisplayName: "Req"}
	manager   = domain.UserRef{Email: "manager@corp.example", DisplayName: "Mgr"}
	approver  = domain.UserRef{Email: "approver@corp.example", DisplayName: "App"}
	agent     = domain.UserRef{Email: "agent@corp.example", DisplayName: "Agt"}
	stranger  = domain.UserRef{Email: "stranger@corp.example"}
)

func newGuard() *guard.Guard {
	return guard.New(slog.Default())
}

func ticket(status domain.TicketStatus) *domain.Ticket {
	return &domain.Ticket{
		ID:              "T-1",
		Status:          status,
		Requester:       requester,
		ManagerSnapshot: &manager,
	}
}

func step(stepType domain.StepType, state domain.StepState, assignee *domain.UserRef) *domain.TicketStep {
	s := &domain.TicketStep{ID: "TS-1", StepID: "s1", StepType: stepType, State: state}
	s.SetAssignee(assignee)
	return s
}

func TestSubmitFormOnlyRequester(t *testing.T) {
	g := newGuard()
	env := guard.Env{
		Ticket: ticket(domain.TicketOpen),
		Step:   step(domain.StepTypeForm, domain.StepActive, &requester),
	}
	assert.NoError(t, g.CanActOnStep(requester, env, domain.ActionSubmitForm))

	err := g.CanActOnStep(stranger, env, domain.ActionSubmitForm)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	env.Step.State = domain.StepCompleted
	err = g.CanActOnStep(requester, env, domain.ActionSubmitForm)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestApproveByAssigneeOrParallelMember(t *testing.T) {
	g := newGuard()
	env := guard.Env{
		Ticket: ticket(domain.TicketInProgress),
		Step:   step(domain.StepTypeApproval, domain.StepWaitingForApproval, &approver),
	}
	assert.NoError(t, g.CanActOnStep(approver, env, domain.ActionApprove))
	assert.Error(t, g.CanActOnStep(stranger, env, domain.ActionApprove))

	parallel := step(domain.StepTypeApproval, domain.StepWaitingForApproval, nil)
	parallel.Data.ParallelPendingApprovers = []string{"kim@corp.example"}
	parallel.Data.ParallelApproversInfo = []domain.ParallelApproverInfo{
		{User: domain.UserRef{Email: "kim@corp.example"}, IsPrimary: true},
	}
	env.Step = parallel
	assert.NoError(t, g.CanActOnStep(domain.UserRef{Email: "KIM@corp.example"}, env, domain.ActionApprove))
	assert.Error(t, g.CanActOnStep(stranger, env, domain.ActionApprove))
}

func TestTerminalTicketRefusesEverything(t *testing.T) {
	g := newGuard()
	env := guard.Env{
		Ticket: ticket(domain.TicketCompleted),
		Step:   step(domain.StepTypeTask, domain.StepActive, &agent),
	}
	err := g.CanActOnStep(agent, env, domain.ActionCompleteTask)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestPausedTicketAcceptsOnlyParticipantNotes(t *testing.T) {
	g := newGuard()
	env := guard.Env{
		Ticket: ticket(domain.TicketWaitingForCR),
		Step:   step(domain.StepTypeTask, domain.StepWaitingForCR, &agent),
	}
	err := g.CanActOnStep(agent, env, domain.ActionCompleteTask)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	assert.NoError(t, g.CanActOnStep(agent, env, domain.ActionAddNote))
	assert.NoError(t, g.CanActOnStep(requester, env, domain.ActionAddNote))
	err = g.CanActOnStep(stranger, env, domain.ActionAddNote)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))
}

func TestCompleteTaskIdempotentForOriginalCompleter(t *testing.T) {
	g := newGuard()
	done := step(domain.StepTypeTask, domain.StepCompleted, &agent)
	done.Data.CompletedBy = &agent
	env := guard.Env{Ticket: ticket(domain.TicketInProgress), Step: done}

	assert.NoError(t, g.CanActOnStep(agent, env, domain.ActionCompleteTask))

	err := g.CanActOnStep(stranger, env, domain.ActionCompleteTask)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))
}

func TestAssignRequiresManagerOrResponsibleApprover(t *testing.T) {
	g := newGuard()
	completedAt := time.Now()
	approval := domain.TicketStep{
		ID: "TS-0", StepID: "approval", StepType: domain.StepTypeApproval,
		State: domain.StepCompleted, CompletedAt: &completedAt,
	}
	approval.SetAssignee(&approver)

	env := guard.Env{
		Ticket:   ticket(domain.TicketInProgress),
		Step:     step(domain.StepTypeTask, domain.StepActive, nil),
		AllSteps: []domain.TicketStep{approval},
	}
	assert.NoError(t, g.CanActOnStep(manager, env, domain.ActionAssign))
	assert.NoError(t, g.CanActOnStep(approver, env, domain.ActionAssign))
	assert.Error(t, g.CanActOnStep(agent, env, domain.ActionAssign))

	env.Step = step(domain.StepTypeForm, domain.StepActive, nil)
	err := g.CanActOnStep(manager, env, domain.ActionAssign)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestDecideHandover(t *testing.T) {
	g := newGuard()
	completedAt := time.Now()
	primary := domain.UserRef{Email: "primary@corp.example"}
	parallel := domain.TicketStep{
		ID: "TS-0", StepID: "approval", StepType: domain.StepTypeApproval,
		State: domain.StepCompleted, CompletedAt: &completedAt,
		Data: domain.StepData{ParallelApproversInfo: []domain.ParallelApproverInfo{
			{User: domain.UserRef{Email: "other@corp.example"}},
			{User: primary, IsPrimary: true},
		}},
	}

	env := guard.Env{
		Ticket:   ticket(domain.TicketInProgress),
		Step:     step(domain.StepTypeTask, domain.StepActive, &agent),
		AllSteps: []domain.TicketStep{parallel},
	}
	assert.NoError(t, g.DecideHandover(manager, env))
	assert.NoError(t, g.DecideHandover(primary, env))
	assert.Error(t, g.DecideHandover(agent, env))
}

func TestLastCompletedApproval(t *testing.T) {
	early := time.Now().Add(-time.Hour)
	late := time.Now()
	steps := []domain.TicketStep{
		{StepID: "a1", StepType: domain.StepTypeApproval, State: domain.StepCompleted, CompletedAt: &early},
		{StepID: "a2", StepType: domain.StepTypeApproval, State: domain.StepCompleted, CompletedAt: &late},
		{StepID: "t1", StepType: domain.StepTypeTask, State: domain.StepCompleted, CompletedAt: &late},
	}
	last := guard.LastCompletedApproval(steps)
	assert.NotNil(t, last)
	assert.Equal(t, "a2", last.StepID)

	assert.Nil(t, guard.LastCompletedApproval(nil))
}
