// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	submitted prometheus.Counter
	completed *prometheus.CounterVec
	running   prometheus.Gauge
	queued    prometheus.Gauge
	duration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jssandbox_tasks_submitted_total",
			Help: "Total number of tasks submitted to the dispatcher.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jssandbox_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jssandbox_tasks_running",
			Help: "Number of tasks currently executing.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jssandbox_tasks_queued",
			Help: "Number of tasks waiting for a worker.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jssandbox_task_duration_seconds",
			Help:    "Execution time of tasks that ran.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.completed, m.running, m.queued, m.duration)
	}
	return m
}

// The methods below accept a nil receiver so callers need no checks.

func (m *Metrics) taskSubmitted() {
	if m != nil {
		m.submitted.Inc()
		m.queued.Inc()
	}
}

func (m *Metrics) taskDequeued() {
	if m != nil {
		m.queued.Dec()
	}
}

func (m *Metrics) taskStarted() {
	if m != nil {
		m.running.Inc()
	}
}

func (m *Metrics) taskStopped() {
	if m != nil {
		m.running.Dec()
	}
}

func (m *Metrics) taskCompleted(t Task) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(t.Status().String()).Inc()
	if d, ok := t.Duration(); ok {
		m.duration.Observe(d.Seconds())
	}
}

