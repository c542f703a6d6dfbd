// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package repository implements the document store on sqlite via gorm. Every
// mutable row carries an integer version; writes are conditional updates of
// the form "update where id = X and version = V, set version = V+1", and a
// mismatch surfaces as apperr.KindConcurrency.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/idgen"
)

// MaxRetries bounds optimistic-concurrency retries before an action is
// surfaced as a transient failure.
const MaxRetries = 3

// Store is the document store handle shared by all services.
type Store struct {
	db     *gorm.DB
	clock  idgen.Clock
	logger *slog.Logger
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema. ":memory:" is accepted for tests.
func Open(path string, clock idgen.Clock, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(
		&domain.WorkflowTemplate{},
		&domain.WorkflowVersion{},
		&domain.Ticket{},
		&domain.TicketStep{},
		&domain.ApprovalTask{},
		&domain.Assignment{},
		&domain.InfoRequest{},
		&domain.HandoverRequest{},
		&domain.ChangeRequest{},
		&domain.AuditEvent{},
		&domain.NotificationOutbox{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate tables: %w", err)
	}

	return &Store{db: db, clock: clock, logger: log}, nil
}

// DB exposes the underlying handle so collaborators sharing the database
// (the access store's casbin adapter) can reuse one connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Retry runs fn, retrying up to MaxRetries times while it fails with a
// concurrency error. fn must reload its entities on each attempt.
func Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !apperr.IsKind(err, apperr.KindConcurrency) {
			return err
		}
	}
	return err
}

// saveVersioned writes value conditionally on its previous version. The
// caller has already incremented value's Version to prev+1.
func (s *Store) saveVersioned(ctx context.Context, entity, id string, prev int64, value any) error {
	res := s.db.WithContext(ctx).
		Model(value).
		Where("id = ? AND version = ?", id, prev).
		Select("*").
		Omit("created_at").
		Updates(value)
	if res.Error != nil {
		return fmt.Errorf("failed to update %s %s: %w", entity, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Concurrency(entity, id)
	}
	return nil
}

func (s *Store) getByID(ctx context.Context, out any, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return gorm.ErrRecordNotFound
	}
	return err
}
