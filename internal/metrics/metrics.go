/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the Prometheus registry crabd exposes at the metrics bind
// address, independent of the default global registry.
var Registry = prometheus.NewRegistry()

var (
	// JobStatus tracks the current liveness state of each monitored job
	// (one gauge set to 1 per job+status combination, 0 for all others).
	JobStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crabd_job_status",
			Help: "Current liveness status of a monitored job (1 for the active status, 0 otherwise)",
		},
		[]string{"host", "crab_id", "status"},
	)

	// EventsTotal tracks the total number of lifecycle events recorded.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabd_events_total",
			Help: "Total number of job lifecycle events recorded",
		},
		[]string{"host", "crab_id", "kind"},
	)

	// AlertsTotal tracks the total number of alerts dispatched.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabd_alerts_total",
			Help: "Total number of alerts dispatched",
		},
		[]string{"host", "crab_id", "severity", "transport", "success"},
	)

	// MonitorTickSeconds tracks the wall-clock duration of each liveness
	// monitor evaluation pass.
	MonitorTickSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crabd_monitor_tick_seconds",
			Help:    "Duration of each liveness monitor evaluation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RegisteredJobs tracks the number of currently registered, non-retired
	// jobs.
	RegisteredJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crabd_registered_jobs",
			Help: "Number of currently registered, non-retired jobs",
		},
	)
)

func init() {
	Registry.MustRegister(
		JobStatus,
		EventsTotal,
		AlertsTotal,
		MonitorTickSeconds,
		RegisteredJobs,
	)
}

// RecordEvent records a lifecycle event metric.
func RecordEvent(host, crabID, kind string) {
	EventsTotal.WithLabelValues(host, crabID, kind).Inc()
}

// RecordAlert records a dispatched-alert metric.
func RecordAlert(host, crabID, severity, transport string, success bool) {
	AlertsTotal.WithLabelValues(host, crabID, severity, transport, boolLabel(success)).Inc()
}

// SetJobStatus updates the current-status gauge for a job, zeroing every
// other known status so only one is ever set to 1 at a time.
func SetJobStatus(host, crabID, status string, allStatuses []string) {
	for _, s := range allStatuses {
		if s == status {
			JobStatus.WithLabelValues(host, crabID, s).Set(1)
		} else {
			JobStatus.WithLabelValues(host, crabID, s).Set(0)
		}
	}
}

// ResetJob removes all series for a retired or superseded job.
func ResetJob(host, crabID string) {
	JobStatus.DeletePartialMatch(prometheus.Labels{"host": host, "crab_id": crabID})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
