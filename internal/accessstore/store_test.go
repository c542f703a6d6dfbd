// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package accessstore_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashadism/ticketflow/internal/accessstore"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/repository"
)

func newStore(t *testing.T) *accessstore.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := repository.Open(":memory:", idgen.SystemClock{}, logger)
	require.NoError(t, err)
	store, err := accessstore.New(repo.DB(), idgen.SystemClock{}, logger)
	require.NoError(t, err)
	return store
}

func TestAutoOnboardCreatesPrincipal(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	res, err := store.AutoOnboard(ctx, "Kim.Lee@corp.example ", "Kim Lee",
		accessstore.TriggerApprovalAssignment, true, false, "aad-1", "directory")
	require.NoError(t, err)
	assert.True(t, res.WasCreated)
	assert.True(t, res.AddedManager)
	assert.False(t, res.AddedAgent)
	assert.Equal(t, "kim.lee@corp.example", res.Record.Email)
	assert.Equal(t, "aad-1", res.Record.AADID)

	ok, err := store.HasPersona("KIM.LEE@corp.example", accessstore.PersonaManager)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.HasPersona("kim.lee@corp.example", accessstore.PersonaAgent)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := store.Get(ctx, "kim.lee@corp.example")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.IsManager)
	assert.False(t, p.IsAgent)
}

func TestAutoOnboardAddsMissingPersona(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.AutoOnboard(ctx, "kim@corp.example", "Kim",
		accessstore.TriggerApprovalAssignment, true, false, "", "directory")
	require.NoError(t, err)

	res, err := store.AutoOnboard(ctx, "kim@corp.example", "Kim",
		accessstore.TriggerTaskAssignment, false, true, "aad-1", "directory")
	require.NoError(t, err)
	assert.False(t, res.WasCreated)
	assert.False(t, res.AddedManager)
	assert.True(t, res.AddedAgent)

	p, err := store.Get(ctx, "kim@corp.example")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.IsManager, "existing persona survives")
	assert.True(t, p.IsAgent)
	assert.Equal(t, "aad-1", p.AADID, "directory id backfilled on re-onboard")

	ok, err := store.HasPersona("kim@corp.example", accessstore.PersonaAgent)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAutoOnboardNoChange(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.AutoOnboard(ctx, "kim@corp.example", "Kim",
		accessstore.TriggerTaskAssignment, false, true, "", "directory")
	require.NoError(t, err)

	res, err := store.AutoOnboard(ctx, "kim@corp.example", "Kim",
		accessstore.TriggerTaskReassignment, false, true, "", "directory")
	require.NoError(t, err)
	assert.False(t, res.WasCreated)
	assert.False(t, res.AddedManager)
	assert.False(t, res.AddedAgent)
}

func TestAutoOnboardRejectsEmptyEmail(t *testing.T) {
	store := newStore(t)
	_, err := store.AutoOnboard(context.Background(), "  ", "Nobody",
		accessstore.TriggerTaskAssignment, false, true, "", "directory")
	assert.Error(t, err)
}

func TestGetUnknownPrincipal(t *testing.T) {
	store := newStore(t)
	p, err := store.Get(context.Background(), "nobody@corp.example")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestBootstrapTokenSweep(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutBootstrapToken(ctx, "tok-live", "kim@corp.example", time.Hour))
	require.NoError(t, store.PutBootstrapToken(ctx, "tok-dead", "kim@corp.example", -time.Minute))

	swept, err := store.SweepExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	swept, err = store.SweepExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}
