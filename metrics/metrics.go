// Package metrics registers the prometheus counters and histograms the
// storage engine and job planner report against, grounded on the
// teacher's promauto convention (datastore/postgres/indexpackage.go).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegisterTotal counts storage.Engine.Register calls by outcome
	// ("ok" or "fatal").
	RegisterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgcore",
			Subsystem: "storage",
			Name:      "register_total",
			Help:      "Total number of Register calls, by outcome.",
		},
		[]string{"outcome"},
	)

	// UnregisterTotal counts storage.Engine.Unregister calls.
	UnregisterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgcore",
			Subsystem: "storage",
			Name:      "unregister_total",
			Help:      "Total number of Unregister calls, by outcome.",
		},
		[]string{"outcome"},
	)

	// RegisterDuration times storage.Engine.Register calls.
	RegisterDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pkgcore",
			Subsystem: "storage",
			Name:      "register_duration_seconds",
			Help:      "Duration of Register calls.",
		},
	)

	// SolveTotal counts planner.Solve calls by job kind.
	SolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgcore",
			Subsystem: "planner",
			Name:      "solve_total",
			Help:      "Total number of Solve calls, by job kind.",
		},
		[]string{"kind"},
	)

	// SolveActionsEmitted counts actions a solve produced, by action type.
	SolveActionsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgcore",
			Subsystem: "planner",
			Name:      "solve_actions_total",
			Help:      "Total number of actions emitted by Solve, by action type.",
		},
		[]string{"type"},
	)

	// ApplyDuration times planner.Applier.Apply calls, by job kind.
	ApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pkgcore",
			Subsystem: "planner",
			Name:      "apply_duration_seconds",
			Help:      "Duration of Apply calls, by job kind.",
		},
		[]string{"kind"},
	)

	// LockWaitDuration times lockmgr.Manager.Acquire calls, by lock kind.
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pkgcore",
			Subsystem: "lockmgr",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting to acquire a lock, by lock kind.",
		},
		[]string{"kind"},
	)
)

// Timer starts a histogram timer, returning a function that observes the
// elapsed duration against h when called, measured with time.Now and
// time.Since, so call sites read as a single defer line.
func Timer(h prometheus.Observer) func() {
	start := time.Now()
	return func() { h.Observe(time.Since(start).Seconds()) }
}
