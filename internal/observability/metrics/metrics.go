package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerline",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook events received, by provider, type and outcome.",
	}, []string{"provider", "event_type", "outcome"})

	schedulerJobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerline",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduler job executions, by job name.",
	}, []string{"job"})

	schedulerJobErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerline",
		Subsystem: "scheduler",
		Name:      "job_errors_total",
		Help:      "Scheduler job failures, by job name.",
	}, []string{"job"})

	schedulerJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerline",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Scheduler job wall time, by job name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})

	dunningTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerline",
		Subsystem: "dunning",
		Name:      "transitions_total",
		Help:      "Dunning process state transitions.",
	}, []string{"to_status"})

	invoiceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerline",
		Subsystem: "invoice",
		Name:      "transitions_total",
		Help:      "Invoice state transitions.",
	}, []string{"from_status", "to_status"})

	chargebackResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerline",
		Subsystem: "chargeback",
		Name:      "resolutions_total",
		Help:      "Chargeback resolutions, by outcome.",
	}, []string{"resolution"})

	gatewayCharges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerline",
		Subsystem: "gateway",
		Name:      "charges_total",
		Help:      "Payment gateway charge attempts, by provider and outcome.",
	}, []string{"provider", "outcome"})
)

func IncWebhookEvent(provider, eventType, outcome string) {
	webhookEvents.WithLabelValues(provider, eventType, outcome).Inc()
}

func IncJobRun(job string) {
	schedulerJobRuns.WithLabelValues(job).Inc()
}

func IncJobError(job string) {
	schedulerJobErrors.WithLabelValues(job).Inc()
}

func ObserveJobDuration(job string, d time.Duration) {
	schedulerJobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func IncDunningTransition(toStatus string) {
	dunningTransitions.WithLabelValues(toStatus).Inc()
}

func IncInvoiceTransition(fromStatus, toStatus string) {
	invoiceTransitions.WithLabelValues(fromStatus, toStatus).Inc()
}

func IncChargebackResolution(resolution string) {
	chargebackResolutions.WithLabelValues(resolution).Inc()
}

func IncGatewayCharge(provider, outcome string) {
	gatewayCharges.WithLabelValues(provider, outcome).Inc()
}
