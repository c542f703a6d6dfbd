// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package accessstore registers principals that become responsible for steps
// and tracks their personas (manager, agent). Personas are casbin grouping
// policies persisted through the gorm adapter on the engine's database;
// duplicate-key insertions raced against concurrent registration are
// tolerated by reading the existing record and adding personas.
package accessstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rashadism/ticketflow/internal/idgen"
)

// Persona names.
const (
	PersonaManager = "manager"
	PersonaAgent   = "agent"
)

// Onboarding trigger tags recorded in the audit trail.
const (
	TriggerApprovalAssignment   = "APPROVAL_ASSIGNMENT"
	TriggerApprovalReassignment = "APPROVAL_REASSIGNMENT"
	TriggerTaskAssignment       = "TASK_ASSIGNMENT"
	TriggerTaskReassignment     = "TASK_REASSIGNMENT"
	TriggerHandoverAssignment   = "HANDOVER_ASSIGNMENT"
	TriggerLookupAssignment     = "LOOKUP_ASSIGNMENT"
)

// Principal is one registered user of the access store.
type Principal struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Email       string `gorm:"uniqueIndex;not null"` // lowercased
	AADID       string `gorm:"index;column:aad_id"`
	DisplayName string
	IsManager   bool
	IsAgent     bool
	Source      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Principal) TableName() string { return "admin_users" }

// BootstrapToken is a short-lived onboarding credential; rows expire via the
// TTL sweep on expires_at.
type BootstrapToken struct {
	Token     string    `gorm:"primaryKey"`
	Email     string    `gorm:"index"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

func (BootstrapToken) TableName() string { return "bootstrap_tokens" }

// rbacModel grants persona -> action through grouping policies.
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// Store is the access store.
type Store struct {
	db       *gorm.DB
	enforcer *casbin.SyncedEnforcer
	clock    idgen.Clock
	logger   *slog.Logger
}

// Result describes what AutoOnboard changed.
type Result struct {
	Record       *Principal
	WasCreated   bool
	AddedManager bool
	AddedAgent   bool
}

// New creates the access store on the shared database handle, migrating its
// tables and loading the casbin policy.
func New(db *gorm.DB, clock idgen.Clock, logger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&Principal{}, &BootstrapToken{}); err != nil {
		return nil, fmt.Errorf("failed to migrate access store tables: %w", err)
	}

	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin adapter: %w", err)
	}
	m, err := casbinmodel.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse casbin model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	s := &Store{db: db, enforcer: enforcer, clock: clock, logger: logger}
	if err := s.seedPersonaPolicies(); err != nil {
		return nil, err
	}
	return s, nil
}

// seedPersonaPolicies grants each persona its default action set. AddPolicy
// is a no-op for policies that already exist.
func (s *Store) seedPersonaPolicies() error {
	defaults := [][3]string{
		{PersonaManager, "steps", "approve"},
		{PersonaManager, "steps", "assign"},
		{PersonaManager, "handovers", "decide"},
		{PersonaAgent, "steps", "complete"},
		{PersonaAgent, "steps", "handover"},
	}
	for _, p := range defaults {
		if _, err := s.enforcer.AddPolicy(p[0], p[1], p[2]); err != nil {
			return fmt.Errorf("failed to seed persona policy: %w", err)
		}
	}
	return nil
}

// AutoOnboard registers the principal with the personas implied by its new
// role; for an existing principal it adds any missing persona. triggeredBy
// tags the audit entry the caller writes.
func (s *Store) AutoOnboard(ctx context.Context, email, displayName, triggeredBy string, asManager, asAgent bool, aadID, source string) (*Result, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("cannot onboard an empty email")
	}

	now := s.clock.Now()
	p := Principal{
		Email:       email,
		AADID:       aadID,
		DisplayName: displayName,
		Source:      source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// FirstOrCreate tolerates the duplicate-key race: the loser reads the
	// winner's row.
	res := s.db.WithContext(ctx).Where(Principal{Email: email}).FirstOrCreate(&p)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to onboard %s: %w", email, res.Error)
	}
	out := &Result{Record: &p, WasCreated: res.RowsAffected > 0}

	updates := map[string]any{}
	if asManager && !p.IsManager {
		p.IsManager = true
		updates["is_manager"] = true
		out.AddedManager = true
	}
	if asAgent && !p.IsAgent {
		p.IsAgent = true
		updates["is_agent"] = true
		out.AddedAgent = true
	}
	if p.AADID == "" && aadID != "" {
		p.AADID = aadID
		updates["aad_id"] = aadID
	}
	if len(updates) > 0 {
		updates["updated_at"] = now
		if err := s.db.WithContext(ctx).Model(&Principal{}).Where("email = ?", email).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update personas for %s: %w", email, err)
		}
	}

	if out.AddedManager || (out.WasCreated && asManager) {
		if _, err := s.enforcer.AddGroupingPolicy(email, PersonaManager); err != nil {
			return nil, fmt.Errorf("failed to grant manager persona: %w", err)
		}
	}
	if out.AddedAgent || (out.WasCreated && asAgent) {
		if _, err := s.enforcer.AddGroupingPolicy(email, PersonaAgent); err != nil {
			return nil, fmt.Errorf("failed to grant agent persona: %w", err)
		}
	}

	s.logger.Debug("principal onboarded",
		"email", email, "created", out.WasCreated,
		"added_manager", out.AddedManager, "added_agent", out.AddedAgent,
		"trigger", triggeredBy)
	return out, nil
}

// HasPersona reports whether the principal holds the persona.
func (s *Store) HasPersona(email, persona string) (bool, error) {
	return s.enforcer.HasGroupingPolicy(strings.ToLower(strings.TrimSpace(email)), persona)
}

// Get returns the principal row for an email, or nil.
func (s *Store) Get(ctx context.Context, email string) (*Principal, error) {
	var p Principal
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load principal %s: %w", email, err)
	}
	return &p, nil
}

// PutBootstrapToken stores an onboarding token.
func (s *Store) PutBootstrapToken(ctx context.Context, token, email string, ttl time.Duration) error {
	row := BootstrapToken{
		Token:     token,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		ExpiresAt: s.clock.Now().Add(ttl),
		CreatedAt: s.clock.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to store bootstrap token: %w", err)
	}
	return nil
}

// SweepExpiredTokens is the TTL sweep over bootstrap_tokens.expires_at.
func (s *Store) SweepExpiredTokens(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", s.clock.Now()).Delete(&BootstrapToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep bootstrap tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
