package controllers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

var (
	mgmtOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mgmt_operations_total",
			Help: "Number of management operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	mgmtWriteRestartLevelTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mgmt_write_restart_level_total",
			Help: "Number of applied attribute writes by the restart level they required.",
		},
		[]string{"level"},
	)

	mgmtDegradedResources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mgmt_degraded_resources",
			Help: "Number of resources currently in the Degraded phase.",
		},
	)
	mgmtReloadRequired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mgmt_reload_required",
			Help: "1 when stored configuration is waiting for a process reload.",
		},
	)
	mgmtCapabilityRegistrations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mgmt_capability_registrations",
			Help: "Number of registered capabilities.",
		},
	)

	mgmtServiceInstallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mgmt_service_install_duration_seconds",
			Help:    "Time taken to start a service, by result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	mgmtLiveStoreQueryErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mgmt_live_store_query_errors_total",
			Help: "Live store queries that failed and were answered as empty, by child type.",
		},
		[]string{"child_type"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		mgmtOperationsTotal,
		mgmtWriteRestartLevelTotal,
		mgmtDegradedResources,
		mgmtReloadRequired,
		mgmtCapabilityRegistrations,
		mgmtServiceInstallDuration,
		mgmtLiveStoreQueryErrorsTotal,
	)
}

// ObserveServiceInstall is a service.InstallObserver feeding the install histogram.
func ObserveServiceInstall(_ service.Identity, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	mgmtServiceInstallDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// ObserveStoreError is a livestate.ErrorObserver counting failed live store queries.
func ObserveStoreError(childType string, _ error) {
	mgmtLiveStoreQueryErrorsTotal.WithLabelValues(childType).Inc()
}
