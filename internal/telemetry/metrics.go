package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockOperationsTotal tracks lock and unlock attempts per backend
	LockOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelock_lock_operations_total",
			Help: "Total number of maintenance lock operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// GateDecisionsTotal tracks the number of gate decisions
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelock_gate_decisions_total",
			Help: "Total number of request gate decisions",
		},
		[]string{"decision", "reason"},
	)

	// StorageErrorsTotal counts failed backend reads and writes
	StorageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitelock_storage_errors_total",
			Help: "Total number of lock storage errors",
		},
		[]string{"backend"},
	)

	// GateEvaluationDuration tracks the time taken to evaluate a request
	GateEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitelock_gate_evaluation_seconds",
			Help:    "Duration of gate evaluation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)
