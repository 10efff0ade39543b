// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the accounting engine.
// All recording methods are safe on a nil receiver so components can run
// unmetered in tests.
type Metrics struct {
	reservationsTotal  *prometheus.CounterVec
	finalizationsTotal *prometheus.CounterVec
	abortsTotal        prometheus.Counter
	reaperExpiredTotal prometheus.Counter
	driftCorrections   prometheus.Counter
	driftAlerts        prometheus.Counter
	retriesTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers the budget metrics. Pass
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_budget_reservations_total",
				Help: "Reservation attempts by outcome (approved, rejected, replayed, error)",
			},
			[]string{"outcome"},
		),
		finalizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_budget_finalizations_total",
				Help: "Finalize calls by status (finalized, already_terminal, not_found, error)",
			},
			[]string{"status"},
		),
		abortsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_budget_aborts_total",
				Help: "Reservations released by an explicit abort",
			},
		),
		reaperExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_budget_reaper_expired_total",
				Help: "Reservations expired by the TTL reaper",
			},
		),
		driftCorrections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_budget_drift_corrections_total",
				Help: "Counter corrections applied by the drift reconciler",
			},
		),
		driftAlerts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_budget_drift_alerts_total",
				Help: "Drift findings beyond the correction threshold",
			},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_budget_storage_retries_total",
				Help: "Storage retries on finalize/abort by operation",
			},
			[]string{"operation"},
		),
	}

	reg.MustRegister(
		m.reservationsTotal,
		m.finalizationsTotal,
		m.abortsTotal,
		m.reaperExpiredTotal,
		m.driftCorrections,
		m.driftAlerts,
		m.retriesTotal,
	)
	return m
}

func (m *Metrics) reservation(outcome string) {
	if m == nil {
		return
	}
	m.reservationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) finalization(status string) {
	if m == nil {
		return
	}
	m.finalizationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) abort() {
	if m == nil {
		return
	}
	m.abortsTotal.Inc()
}

func (m *Metrics) reaped(n int) {
	if m == nil {
		return
	}
	m.reaperExpiredTotal.Add(float64(n))
}

func (m *Metrics) driftCorrected() {
	if m == nil {
		return
	}
	m.driftCorrections.Inc()
}

func (m *Metrics) driftAlerted() {
	if m == nil {
		return
	}
	m.driftAlerts.Inc()
}

func (m *Metrics) retried(operation string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(operation).Inc()
}
