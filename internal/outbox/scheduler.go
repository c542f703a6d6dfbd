// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package outbox delivers queued notifications at least once. A scheduler
// polls the outbox table for due rows, claims each row with a per-row
// advisory lock, renders the template, and hands the message to the external
// email transport behind a circuit breaker. Failures reschedule the row with
// exponential backoff until the retry cap marks it FAILED.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/rashadism/ticketflow/internal/config"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/email"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/repository"
)

// Scheduler is the outbox delivery loop.
type Scheduler struct {
	store     *repository.Store
	renderer  *notification.Renderer
	transport email.Transport
	cfg       config.OutboxConfig
	clock     idgen.Clock
	logger    *slog.Logger
	breaker   *gobreaker.CircuitBreaker
	metrics   *Metrics
}

// New creates a scheduler. metrics may be shared across components.
func New(store *repository.Store, renderer *notification.Renderer, transport email.Transport,
	cfg config.OutboxConfig, clock idgen.Clock, logger *slog.Logger, metrics *Metrics) *Scheduler {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "email-transport",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("email transport breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Scheduler{
		store:     store,
		renderer:  renderer,
		transport: transport,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		breaker:   breaker,
		metrics:   metrics,
	}
}

// Run polls until ctx is cancelled. Each poll fans the due rows out to the
// configured number of workers; a poll finishes before the next begins.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("outbox scheduler started",
		"workers", s.cfg.Workers, "poll_interval", s.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("outbox scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("outbox poll failed", "error", err)
			}
		}
	}
}

// Poll processes one batch of due rows. Exported so tests and the CLI can
// drive delivery without the ticker.
func (s *Scheduler) Poll(ctx context.Context) error {
	rows, err := s.store.DueNotifications(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range rows {
		row := rows[i]
		g.Go(func() error {
			s.deliver(ctx, &row)
			return nil
		})
	}
	return g.Wait()
}

// deliver attempts one send. Row-level failures never abort the poll; they
// are recorded on the row and retried by a later poll.
func (s *Scheduler) deliver(ctx context.Context, n *domain.NotificationOutbox) {
	claimed, err := s.store.ClaimNotification(ctx, n, s.cfg.LockTTL)
	if err != nil {
		s.logger.Error("failed to claim outbox row", "id", n.ID, "error", err)
		return
	}
	if !claimed {
		// Another worker won the row.
		return
	}

	subject, body, err := s.renderer.Render(notification.Key(n.TemplateKey), n.Payload)
	if err != nil {
		// A template that cannot render will never succeed; fail the row.
		s.fail(ctx, n, err)
		return
	}

	start := s.clock.Now()
	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.transport.Send(ctx, n.Recipients, subject, body)
	})
	s.metrics.ObserveSendDuration(s.clock.Now().Sub(start).Seconds())

	if err != nil {
		s.retry(ctx, n, err)
		return
	}

	n.Status = domain.NotificationSent
	n.LockedUntil = nil
	n.LastError = ""
	if err := s.store.UpdateNotification(ctx, n); err != nil {
		// The send happened; delivery is at-least-once, so a lost status
		// update only risks a duplicate that receivers deduplicate on id.
		s.logger.Error("failed to mark notification sent", "id", n.ID, "error", err)
		return
	}
	s.metrics.IncSent(n.TemplateKey)
	s.logger.Debug("notification sent", "id", n.ID, "template", n.TemplateKey,
		"recipients", len(n.Recipients))
}

// retry reschedules the row with exponential backoff, or fails it once the
// attempt cap is reached.
func (s *Scheduler) retry(ctx context.Context, n *domain.NotificationOutbox, cause error) {
	n.RetryCount++
	n.LastError = cause.Error()
	n.LockedUntil = nil

	if n.RetryCount >= s.cfg.MaxRetries {
		n.Status = domain.NotificationFailed
		if err := s.store.UpdateNotification(ctx, n); err != nil {
			s.logger.Error("failed to mark notification failed", "id", n.ID, "error", err)
			return
		}
		s.metrics.IncFailed(n.TemplateKey)
		s.logger.Warn("notification permanently failed",
			"id", n.ID, "template", n.TemplateKey, "retries", n.RetryCount, "error", cause)
		return
	}

	n.NextAttemptAt = s.clock.Now().Add(s.Delay(n.RetryCount))
	if err := s.store.UpdateNotification(ctx, n); err != nil {
		s.logger.Error("failed to reschedule notification", "id", n.ID, "error", err)
		return
	}
	s.metrics.IncRetried(n.TemplateKey)
	s.logger.Debug("notification rescheduled",
		"id", n.ID, "retry", n.RetryCount, "next_attempt_at", n.NextAttemptAt, "error", cause)
}

// fail marks the row FAILED without further retries.
func (s *Scheduler) fail(ctx context.Context, n *domain.NotificationOutbox, cause error) {
	n.Status = domain.NotificationFailed
	n.LastError = cause.Error()
	n.LockedUntil = nil
	if err := s.store.UpdateNotification(ctx, n); err != nil {
		s.logger.Error("failed to mark notification failed", "id", n.ID, "error", err)
		return
	}
	s.metrics.IncFailed(n.TemplateKey)
	s.logger.Warn("notification unrenderable", "id", n.ID, "error", cause)
}

// Delay returns the backoff before attempt retry (1-based): the initial
// interval doubled per prior attempt, capped at the configured maximum.
func (s *Scheduler) Delay(retry int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < retry; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return d
}
