// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package approver resolves the approver(s) of an approval step from its
// configured strategy.
package approver

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/condition"
	"github.com/rashadism/ticketflow/internal/domain"
)

// Input carries everything a resolution may consult.
type Input struct {
	Config *domain.ApprovalConfig
	Ticket *domain.Ticket
	// AllSteps backs STEP_ASSIGNEE mode.
	AllSteps []domain.TicketStep
	// Lookups are the workflow version's bound lookup tables.
	Lookups []domain.LookupTable
}

// Resolution is the resolved primary approver plus, for FROM_LOOKUP, the
// secondary users notified alongside.
type Resolution struct {
	Primary   domain.UserRef
	Secondary []domain.UserRef
}

// Resolver resolves approvers.
type Resolver struct {
	logger *slog.Logger
}

// New creates a Resolver.
func New(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve picks the approver per the configured mode, applying the
// fallback chains of each strategy.
func (r *Resolver) Resolve(in Input) (*Resolution, error) {
	cfg := in.Config
	if cfg == nil {
		return nil, apperr.New(apperr.KindApproverResolution, "approval step has no approver configuration")
	}

	switch cfg.Mode {
	case domain.ApproverRequesterManager:
		if m := in.Ticket.ManagerSnapshot; m != nil && !m.IsZero() {
			return &Resolution{Primary: *m}, nil
		}
		if cfg.SpocEmail != "" {
			return &Resolution{Primary: domain.UserFromEmail(cfg.SpocEmail, cfg.SpocName)}, nil
		}
		return nil, apperr.New(apperr.KindManagerNotFound,
			"no manager known for requester %s and no SPOC configured", in.Ticket.Requester.Email)

	case domain.ApproverSpecificEmail:
		if cfg.SpecificEmail == "" {
			return nil, apperr.New(apperr.KindApproverResolution, "SPECIFIC_EMAIL mode without an email")
		}
		return &Resolution{Primary: domain.UserFromEmail(cfg.SpecificEmail, cfg.SpecificName)}, nil

	case domain.ApproverSpocEmail:
		if cfg.SpocEmail == "" {
			return nil, apperr.New(apperr.KindApproverResolution, "SPOC_EMAIL mode without an email")
		}
		return &Resolution{Primary: domain.UserFromEmail(cfg.SpocEmail, cfg.SpocName)}, nil

	case domain.ApproverConditional:
		return r.resolveConditional(in)

	case domain.ApproverStepAssignee:
		return r.resolveStepAssignee(in)

	case domain.ApproverFromLookup:
		return r.resolveFromLookup(in)
	}

	return nil, apperr.New(apperr.KindApproverResolution, "unknown approver mode %q", cfg.Mode)
}

// resolveConditional evaluates the rules in declaration order against the
// ticket's form values; the first satisfied rule wins.
func (r *Resolver) resolveConditional(in Input) (*Resolution, error) {
	cfg := in.Config
	ctx := map[string]any{"form_values": in.Ticket.FormValues}
	for _, rule := range cfg.Rules {
		if condition.EvaluateGroup(rule.Condition, ctx) {
			return &Resolution{Primary: domain.UserFromEmail(rule.Email, rule.Name)}, nil
		}
	}
	if cfg.FallbackEmail != "" {
		return &Resolution{Primary: domain.UserFromEmail(cfg.FallbackEmail, cfg.FallbackName)}, nil
	}
	return r.fallbackChain(in, "no conditional approver rule matched")
}

// resolveStepAssignee uses the assignee of the named earlier step.
func (r *Resolver) resolveStepAssignee(in Input) (*Resolution, error) {
	cfg := in.Config
	for i := range in.AllSteps {
		s := &in.AllSteps[i]
		if s.StepID == cfg.StepAssigneeStepID && s.AssignedTo != nil && !s.AssignedTo.IsZero() {
			return &Resolution{Primary: *s.AssignedTo}, nil
		}
	}
	return r.fallbackChain(in, fmt.Sprintf("step %s has no assignee", cfg.StepAssigneeStepID))
}

// resolveFromLookup joins a form field value through a named lookup table.
// All non-primary users of the matched entry become secondaries.
func (r *Resolver) resolveFromLookup(in Input) (*Resolution, error) {
	cfg := in.Config
	if cfg.Lookup == nil {
		return r.fallbackChain(in, "FROM_LOOKUP mode without a lookup binding")
	}
	raw, ok := condition.Lookup(in.Ticket.FormValues, cfg.Lookup.FieldKey)
	if !ok {
		return r.fallbackChain(in, fmt.Sprintf("form field %s has no value", cfg.Lookup.FieldKey))
	}
	key := strings.TrimSpace(fmt.Sprintf("%v", raw))

	for _, table := range in.Lookups {
		if !strings.EqualFold(table.Name, cfg.Lookup.TableName) {
			continue
		}
		for _, entry := range table.Entries {
			if strings.EqualFold(entry.Key, key) {
				return &Resolution{Primary: entry.Primary, Secondary: entry.Secondary}, nil
			}
		}
		return r.fallbackChain(in, fmt.Sprintf("lookup table %s has no entry for %q", table.Name, key))
	}
	return r.fallbackChain(in, fmt.Sprintf("lookup table %s is not bound to this workflow", cfg.Lookup.TableName))
}

// fallbackChain applies SPOC then manager_snapshot, failing with an
// ApproverResolution error naming why the strategy came up empty.
func (r *Resolver) fallbackChain(in Input, reason string) (*Resolution, error) {
	cfg := in.Config
	if cfg.SpocEmail != "" {
		r.logger.Debug("approver resolution fell back to SPOC", "reason", reason)
		return &Resolution{Primary: domain.UserFromEmail(cfg.SpocEmail, cfg.SpocName)}, nil
	}
	if m := in.Ticket.ManagerSnapshot; m != nil && !m.IsZero() {
		r.logger.Debug("approver resolution fell back to manager", "reason", reason)
		return &Resolution{Primary: *m}, nil
	}
	return nil, apperr.New(apperr.KindApproverResolution, "cannot resolve approver: %s", reason)
}
