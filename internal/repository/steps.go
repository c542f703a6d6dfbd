// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/domain"
)

// CreateSteps inserts the materialized steps of a ticket in one batch.
func (s *Store) CreateSteps(ctx context.Context, steps []domain.TicketStep) error {
	if len(steps) == 0 {
		return nil
	}
	now := s.clock.Now()
	for i := range steps {
		steps[i].Version = 1
		steps[i].CreatedAt = now
		steps[i].UpdatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(&steps).Error; err != nil {
		return fmt.Errorf("failed to create ticket steps: %w", err)
	}
	return nil
}

// GetStep loads a ticket step by its instance id.
func (s *Store) GetStep(ctx context.Context, id string) (*domain.TicketStep, error) {
	var step domain.TicketStep
	if err := s.getByID(ctx, &step, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.StepNotFound(id)
		}
		return nil, fmt.Errorf("failed to load step %s: %w", id, err)
	}
	return &step, nil
}

// FindStep loads the step instance materialized from a template step id
// within one ticket. Sub-workflow expansion can materialize the same
// template step twice; the non-expanded instance wins, then order.
func (s *Store) FindStep(ctx context.Context, ticketID, templateStepID string) (*domain.TicketStep, error) {
	var steps []domain.TicketStep
	err := s.db.WithContext(ctx).
		Where("ticket_id = ? AND step_id = ?", ticketID, templateStepID).
		Order("parent_sub_workflow_step_id ASC, order_index ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find step %s: %w", templateStepID, err)
	}
	if len(steps) == 0 {
		return nil, apperr.StepNotFound(templateStepID)
	}
	return &steps[0], nil
}

// ListSteps returns all steps of a ticket in workflow execution order.
func (s *Store) ListSteps(ctx context.Context, ticketID string) ([]domain.TicketStep, error) {
	var steps []domain.TicketStep
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("order_index ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list steps for ticket %s: %w", ticketID, err)
	}
	return steps, nil
}

// UpdateStep writes the step conditionally on its read version.
func (s *Store) UpdateStep(ctx context.Context, step *domain.TicketStep) error {
	prev := step.Version
	step.Version = prev + 1
	step.UpdatedAt = s.clock.Now()
	if err := s.saveVersioned(ctx, "step", step.ID, prev, step); err != nil {
		step.Version = prev
		return err
	}
	return nil
}

// ListStepsBySubWorkflow returns the steps expanded under a sub-workflow
// step instance.
func (s *Store) ListStepsBySubWorkflow(ctx context.Context, ticketID, parentStepID string) ([]domain.TicketStep, error) {
	var steps []domain.TicketStep
	err := s.db.WithContext(ctx).
		Where("ticket_id = ? AND parent_sub_workflow_step_id = ?", ticketID, parentStepID).
		Order("order_index ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sub-workflow steps: %w", err)
	}
	return steps, nil
}
