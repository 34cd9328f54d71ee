package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for MailSage
type Metrics struct {
	// Pipeline counters
	JobsCreatedTotal       prometheus.Counter
	JobsFinishedTotal      *prometheus.CounterVec
	DeliveriesTotal        *prometheus.CounterVec
	SMTPErrorsTotal        *prometheus.CounterVec
	WebhookDeliveriesTotal *prometheus.CounterVec
	QuotaRejectionsTotal   *prometheus.CounterVec

	// Task queue
	TasksTotal    *prometheus.CounterVec
	TaskQueueSize *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsage_jobs_created_total",
				Help: "Total number of email jobs created",
			},
		),
		JobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_jobs_finished_total",
				Help: "Total number of jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_deliveries_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"status"},
		),
		SMTPErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_smtp_errors_total",
				Help: "Total number of SMTP delivery errors by kind",
			},
			[]string{"kind"},
		),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_webhook_deliveries_total",
				Help: "Total number of webhook notifications by result",
			},
			[]string{"result"},
		),
		QuotaRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_quota_rejections_total",
				Help: "Total number of requests rejected by quota checks",
			},
			[]string{"reason"},
		),

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_tasks_total",
				Help: "Total number of processed queue tasks by result",
			},
			[]string{"result"},
		),
		TaskQueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailsage_task_queue_size",
				Help: "Number of queued tasks by state",
			},
			[]string{"state"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsage_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailsage_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsage_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsage_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsage_task_storage_bytes",
				Help: "Task queue BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.JobsCreatedTotal,
		m.JobsFinishedTotal,
		m.DeliveriesTotal,
		m.SMTPErrorsTotal,
		m.WebhookDeliveriesTotal,
		m.QuotaRejectionsTotal,
		m.TasksTotal,
		m.TaskQueueSize,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncJobsCreated increments the created jobs counter
func IncJobsCreated() {
	if m := Global(); m != nil {
		m.JobsCreatedTotal.Inc()
	}
}

// IncJobsFinished increments the terminal jobs counter
func IncJobsFinished(status string) {
	if m := Global(); m != nil {
		m.JobsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// IncDeliveries increments the delivery outcome counter
func IncDeliveries(status string) {
	if m := Global(); m != nil {
		m.DeliveriesTotal.WithLabelValues(status).Inc()
	}
}

// IncSMTPError increments the SMTP error counter
func IncSMTPError(kind string) {
	if m := Global(); m != nil {
		m.SMTPErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// IncWebhookDeliveries increments the webhook result counter
func IncWebhookDeliveries(result string) {
	if m := Global(); m != nil {
		m.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
}

// IncQuotaRejections increments the quota rejection counter
func IncQuotaRejections(reason string) {
	if m := Global(); m != nil {
		m.QuotaRejectionsTotal.WithLabelValues(reason).Inc()
	}
}

// IncTasks increments the processed task counter
func IncTasks(result string) {
	if m := Global(); m != nil {
		m.TasksTotal.WithLabelValues(result).Inc()
	}
}

// SetTaskQueueSize sets the queued task gauge for state
func SetTaskQueueSize(state string, n int) {
	if m := Global(); m != nil {
		m.TaskQueueSize.WithLabelValues(state).Set(float64(n))
	}
}
