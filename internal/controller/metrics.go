package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// jobsCreatedTotal counts agent Jobs created by the controller.
	jobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsys_jobs_created_total",
			Help: "Total number of agent Jobs created",
		},
		[]string{"role", "action"},
	)

	// testsFinishedTotal counts Tests that reached a terminal phase.
	testsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsys_tests_finished_total",
			Help: "Total number of Tests that reached a terminal phase",
		},
		[]string{"phase"},
	)

	// testDurationSeconds records the time from start to terminal phase.
	testDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testsys_test_duration_seconds",
			Help:    "Duration of Tests from start to terminal phase",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"phase"},
	)

	// resourcesDestroyedTotal counts teardown outcomes per resource.
	resourcesDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsys_resources_destroyed_total",
			Help: "Total number of resources torn down, by result",
		},
		[]string{"result"},
	)

	// reconcileErrorsTotal counts the total number of reconciliation errors.
	reconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsys_reconcile_errors_total",
			Help: "Total number of reconciliation errors",
		},
		[]string{"controller"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		jobsCreatedTotal,
		testsFinishedTotal,
		testDurationSeconds,
		resourcesDestroyedTotal,
		reconcileErrorsTotal,
	)
}
