// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package subworkflow materializes workflow definitions into ticket steps:
// at ticket creation, and when a SUB_WORKFLOW_STEP expands another published
// version inline into its parent ticket. It also owns the graph tracing
// that assigns branch identity between a fork and its join.
package subworkflow

import (
	"context"
	"log/slog"

	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/repository"
)

// BuildOptions scope one materialization.
type BuildOptions struct {
	// OrderBase offsets the order index, so expanded steps sort after
	// their parent.
	OrderBase int
	// Branch, when set, is the enclosing branch identity every built step
	// inherits (sub-workflows expanded inside a fork branch).
	Branch *domain.BranchState
	// Sub-workflow identity tags for expanded steps.
	ParentSubWorkflowStepID string
	FromSubWorkflowID       string
	FromSubWorkflowName     string
}

// Materializer builds TicketStep rows from a definition.
type Materializer struct {
	ids   idgen.Generator
	clock idgen.Clock
}

// NewMaterializer creates a Materializer.
func NewMaterializer(ids idgen.Generator, clock idgen.Clock) *Materializer {
	return &Materializer{ids: ids, clock: clock}
}

// BuildSteps materializes one TicketStep per step definition, in definition
// order, all NOT_STARTED. Steps reachable from a fork's branch start up to
// but not including the join get that branch's identity precomputed.
func (m *Materializer) BuildSteps(def *domain.WorkflowDefinition, ticketID string, opts BuildOptions) []domain.TicketStep {
	branchOf := branchIdentities(def)

	steps := make([]domain.TicketStep, 0, len(def.Steps))
	for i := range def.Steps {
		sd := &def.Steps[i]
		step := domain.TicketStep{
			ID:         m.ids.NewID(idgen.PrefixTicketStep),
			TicketID:   ticketID,
			StepID:     sd.StepID,
			StepName:   sd.StepName,
			StepType:   sd.StepType,
			State:      domain.StepNotStarted,
			IsTerminal: sd.IsTerminal,
			OrderIndex: opts.OrderBase + i,

			ParentSubWorkflowStepID: opts.ParentSubWorkflowStepID,
			FromSubWorkflowID:       opts.FromSubWorkflowID,
			FromSubWorkflowName:     opts.FromSubWorkflowName,
		}
		if sd.StepType == domain.StepTypeTask && sd.Task != nil {
			step.Data.Instructions = sd.Task.Instructions
		}
		if ident, ok := branchOf[sd.StepID]; ok {
			step.BranchID = ident.BranchID
			step.BranchName = ident.BranchName
			step.ParentForkStepID = ident.ParentForkStepID
		} else if opts.Branch != nil {
			step.BranchID = opts.Branch.BranchID
			step.BranchName = opts.Branch.BranchName
			step.ParentForkStepID = opts.Branch.ParentForkStepID
		}
		steps = append(steps, step)
	}
	return steps
}

type branchIdentity struct {
	BranchID         string
	BranchName       string
	ParentForkStepID string
}

// branchIdentities assigns each step id reachable from a branch start (and
// before the fork's join) its branch identity. A step already claimed by
// another branch keeps its first assignment; cross-branch transitions never
// re-propagate identity.
func branchIdentities(def *domain.WorkflowDefinition) map[string]branchIdentity {
	out := make(map[string]branchIdentity)
	for i := range def.Steps {
		sd := &def.Steps[i]
		if sd.StepType != domain.StepTypeFork || sd.Fork == nil {
			continue
		}
		joinID := joinOfFork(def, sd.StepID)
		for _, b := range sd.Fork.Branches {
			for _, stepID := range TraceBranch(def, b.StartStepID, joinID) {
				if _, claimed := out[stepID]; claimed {
					continue
				}
				out[stepID] = branchIdentity{
					BranchID:         b.BranchID,
					BranchName:       b.BranchName,
					ParentForkStepID: sd.StepID,
				}
			}
		}
	}
	return out
}

// joinOfFork returns the step id of the join bound to the fork, or "".
func joinOfFork(def *domain.WorkflowDefinition, forkStepID string) string {
	for i := range def.Steps {
		sd := &def.Steps[i]
		if sd.StepType == domain.StepTypeJoin && sd.Join != nil && sd.Join.ForkStepID == forkStepID {
			return sd.StepID
		}
	}
	return ""
}

// TraceBranch walks the transition graph from start, collecting every step
// reachable before stopID (exclusive). Cycles terminate the walk.
func TraceBranch(def *domain.WorkflowDefinition, startStepID, stopID string) []string {
	var out []string
	seen := map[string]bool{}
	frontier := []string{startStepID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == "" || id == stopID || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		for i := range def.Transitions {
			t := &def.Transitions[i]
			if t.FromStepID == id {
				frontier = append(frontier, t.ToStepID)
			}
		}
	}
	return out
}

// Expander expands a referenced workflow version inline into a parent
// ticket.
type Expander struct {
	store  *repository.Store
	m      *Materializer
	logger *slog.Logger
}

// NewExpander creates an Expander.
func NewExpander(store *repository.Store, m *Materializer, logger *slog.Logger) *Expander {
	return &Expander{store: store, m: m, logger: logger}
}

// Expansion is the result of one inline expansion.
type Expansion struct {
	Version *domain.WorkflowVersion
	Steps   []domain.TicketStep
	// Start is the expanded instance of the sub-workflow's start step.
	Start *domain.TicketStep
}

// Expand loads the referenced version (versions are immutable rows, so an
// archived template stays loadable), materializes its steps tagged with the
// parent sub-workflow step and any enclosing branch identity, and persists
// them.
func (e *Expander) Expand(ctx context.Context, ticket *domain.Ticket, parent *domain.TicketStep, cfg *domain.SubWorkflowConfig, orderBase int) (*Expansion, error) {
	version, err := e.store.GetVersion(ctx, cfg.WorkflowID, cfg.VersionNumber)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.store.GetTemplate(ctx, cfg.WorkflowID)
	if err != nil {
		return nil, err
	}

	opts := BuildOptions{
		OrderBase:               orderBase,
		ParentSubWorkflowStepID: parent.ID,
		FromSubWorkflowID:       cfg.WorkflowID,
		FromSubWorkflowName:     tmpl.Name,
	}
	if parent.InBranch() {
		opts.Branch = &domain.BranchState{
			BranchID:         parent.BranchID,
			BranchName:       parent.BranchName,
			ParentForkStepID: parent.ParentForkStepID,
		}
	}

	steps := e.m.BuildSteps(&version.Definition, ticket.ID, opts)
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return nil, err
	}

	exp := &Expansion{Version: version, Steps: steps}
	for i := range steps {
		if steps[i].StepID == version.Definition.StartStepID {
			exp.Start = &steps[i]
			break
		}
	}
	e.logger.Debug("sub-workflow expanded",
		"ticket_id", ticket.ID, "parent_step", parent.ID,
		"workflow_id", cfg.WorkflowID, "version", version.Number,
		"steps", len(steps))
	return exp, nil
}
