// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package outbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashadism/ticketflow/internal/config"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/email"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/outbox"
	"github.com/rashadism/ticketflow/internal/repository"
)

func testConfig() config.OutboxConfig {
	return config.OutboxConfig{
		Workers:        2,
		PollInterval:   time.Second,
		BatchSize:      10,
		MaxRetries:     3,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     10 * time.Minute,
		LockTTL:        time.Minute,
	}
}

func newScheduler(t *testing.T, transport email.Transport) (*outbox.Scheduler, *repository.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := repository.Open(":memory:", idgen.SystemClock{}, logger)
	require.NoError(t, err)
	s := outbox.New(store, notification.NewRenderer(), transport,
		testConfig(), idgen.SystemClock{}, logger, outbox.NewNopMetrics())
	return s, store
}

func enqueue(t *testing.T, store *repository.Store, id string) {
	t.Helper()
	require.NoError(t, store.EnqueueNotification(context.Background(), &domain.NotificationOutbox{
		ID:          id,
		TemplateKey: string(notification.KeyTaskAssigned),
		Category:    string(notification.CategoryTask),
		Recipients:  []string{"agent@corp.example"},
		Payload: map[string]any{
			"ticket_id": "T-1",
			"step_name": "Install software",
		},
		TicketID: "T-1",
	}))
}

func TestPollDeliversDueRows(t *testing.T) {
	transport := email.NewInMemory()
	s, store := newScheduler(t, transport)
	ctx := context.Background()

	enqueue(t, store, "NO-1")
	enqueue(t, store, "NO-2")
	require.NoError(t, s.Poll(ctx))

	msgs := transport.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"agent@corp.example"}, msgs[0].Recipients)
	assert.Contains(t, msgs[0].Subject, "Install software")
	assert.Contains(t, msgs[0].HTMLBody, "T-1")

	rows, err := store.ListNotificationsByTicket(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, domain.NotificationSent, row.Status)
		assert.Nil(t, row.LockedUntil)
	}

	// A second poll finds nothing due.
	require.NoError(t, s.Poll(ctx))
	assert.Len(t, transport.Messages(), 2)
}

func TestTransportFailureReschedulesWithBackoff(t *testing.T) {
	transport := email.NewInMemory()
	s, store := newScheduler(t, transport)
	ctx := context.Background()

	enqueue(t, store, "NO-1")
	transport.FailNext(1, errors.New("smtp unavailable"))
	require.NoError(t, s.Poll(ctx))
	assert.Empty(t, transport.Messages())

	rows, err := store.ListNotificationsByTicket(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, domain.NotificationPending, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	assert.Equal(t, "smtp unavailable", row.LastError)
	assert.True(t, row.NextAttemptAt.After(time.Now().Add(20*time.Second)),
		"first retry waits for the initial backoff")

	// Make the row due again and let it succeed.
	row.NextAttemptAt = time.Now().Add(-time.Second)
	require.NoError(t, store.UpdateNotification(ctx, &row))
	require.NoError(t, s.Poll(ctx))
	assert.Len(t, transport.Messages(), 1)
}

func TestRowFailsPermanentlyAtRetryCap(t *testing.T) {
	transport := email.NewInMemory()
	s, store := newScheduler(t, transport)
	ctx := context.Background()

	enqueue(t, store, "NO-1")
	transport.FailNext(10, errors.New("smtp unavailable"))

	for i := 0; i < 3; i++ {
		rows, err := store.ListNotificationsByTicket(ctx, "T-1")
		require.NoError(t, err)
		rows[0].NextAttemptAt = time.Now().Add(-time.Second)
		require.NoError(t, store.UpdateNotification(ctx, &rows[0]))
		require.NoError(t, s.Poll(ctx))
	}

	rows, err := store.ListNotificationsByTicket(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.NotificationFailed, rows[0].Status)
	assert.Equal(t, 3, rows[0].RetryCount)
	assert.Empty(t, transport.Messages())

	// A failed row is never picked up again.
	require.NoError(t, s.Poll(ctx))
	assert.Equal(t, 3, rows[0].RetryCount)
}

func TestUnrenderableRowFailsImmediately(t *testing.T) {
	transport := email.NewInMemory()
	s, store := newScheduler(t, transport)
	ctx := context.Background()

	require.NoError(t, store.EnqueueNotification(ctx, &domain.NotificationOutbox{
		ID:          "NO-1",
		TemplateKey: string(notification.KeyTaskAssigned),
		Recipients:  []string{"agent@corp.example"},
		TicketID:    "T-1",
	}))

	renderer := notification.NewRenderer()
	renderer.SetOverride(notification.KeyTaskAssigned, notification.Override{
		Subject: "{{.broken",
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s = outbox.New(store, renderer, transport, testConfig(),
		idgen.SystemClock{}, logger, outbox.NewNopMetrics())

	require.NoError(t, s.Poll(ctx))
	assert.Empty(t, transport.Messages())

	rows, err := store.ListNotificationsByTicket(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.NotificationFailed, rows[0].Status)
	assert.Equal(t, 0, rows[0].RetryCount)
	assert.NotEmpty(t, rows[0].LastError)
}

func TestDelayDoublesUpToCap(t *testing.T) {
	transport := email.NewInMemory()
	s, _ := newScheduler(t, transport)

	assert.Equal(t, 30*time.Second, s.Delay(1))
	assert.Equal(t, time.Minute, s.Delay(2))
	assert.Equal(t, 2*time.Minute, s.Delay(3))
	assert.Equal(t, 4*time.Minute, s.Delay(4))
	assert.Equal(t, 8*time.Minute, s.Delay(5))
	// Capped at the configured maximum from here on.
	assert.Equal(t, 10*time.Minute, s.Delay(6))
	assert.Equal(t, 10*time.Minute, s.Delay(20))
}
