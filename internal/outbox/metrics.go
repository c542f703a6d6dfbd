// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scheduler's delivery counters and latencies.
type Metrics struct {
	sent     *prometheus.CounterVec
	failed   *prometheus.CounterVec
	retried  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates and registers the outbox metrics. Pass nil to register
// on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_outbox_sent_total",
			Help: "Notifications delivered, by template key.",
		}, []string{"template"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_outbox_failed_total",
			Help: "Notifications permanently failed, by template key.",
		}, []string{"template"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketflow_outbox_retried_total",
			Help: "Notification delivery retries, by template key.",
		}, []string{"template"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketflow_outbox_send_duration_seconds",
			Help:    "Email transport send latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.sent, m.failed, m.retried, m.duration)
	return m
}

// NewNopMetrics creates unregistered metrics, for tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) IncSent(template string)    { m.sent.WithLabelValues(template).Inc() }
func (m *Metrics) IncFailed(template string)  { m.failed.WithLabelValues(template).Inc() }
func (m *Metrics) IncRetried(template string) { m.retried.WithLabelValues(template).Inc() }

func (m *Metrics) ObserveSendDuration(seconds float64) { m.duration.Observe(seconds) }
