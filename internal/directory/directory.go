// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory defines the contract to the external identity provider.
// The real integration lives outside this module; tests use the static fake.
package directory

import (
	"context"
	"strings"
	"sync"

	"github.com/rashadism/ticketflow/internal/domain"
)

// Directory resolves organizational relationships for principals.
type Directory interface {
	// GetUserManager returns the manager of the principal behind email, or
	// nil when the directory knows no manager. token optionally carries a
	// delegated credential.
	GetUserManager(ctx context.Context, email string, actor domain.UserRef, token string) (*domain.UserRef, error)
}

// Static is an in-memory Directory keyed by lowercased email.
type Static struct {
	mu       sync.RWMutex
	managers map[string]domain.UserRef
}

// NewStatic creates an empty static directory.
func NewStatic() *Static {
	return &Static{managers: make(map[string]domain.UserRef)}
}

// SetManager records that email reports to manager.
func (s *Static) SetManager(email string, manager domain.UserRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers[strings.ToLower(email)] = manager
}

// GetUserManager implements Directory.
func (s *Static) GetUserManager(_ context.Context, email string, _ domain.UserRef, _ string) (*domain.UserRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.managers[strings.ToLower(email)]; ok {
		out := m
		return &out, nil
	}
	return nil, nil
}
