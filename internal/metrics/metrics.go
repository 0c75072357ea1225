package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Admission control
	RateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_ratelimit_decisions_total",
		Help: "Rate limit decisions by outcome (admitted/rejected)",
	}, []string{"decision"})
	RateLimitBuckets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailer_ratelimit_buckets",
		Help: "Number of live token buckets",
	})
	RateLimitBucketsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_ratelimit_buckets_evicted_total",
		Help: "Total number of idle buckets removed by the sweep",
	})

	// Queue and delivery
	QueueEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_queue_enqueued_total",
		Help: "Total number of jobs pushed to pending lists",
	})
	DeliveryJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_delivery_jobs_total",
		Help: "Delivery job outcomes (sent/failed/dead/quarantined)",
	}, []string{"kind", "outcome"})
	DeliveryBatchWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_delivery_batch_write_failures_total",
		Help: "Total number of end-of-run durable writes that failed after provider acceptance",
	})
	DeliveryRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_delivery_runs_total",
		Help: "Delivery runs and retry passes executed",
	}, []string{"kind"})
	DeliveryRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailer_delivery_run_duration_seconds",
		Help:    "Duration of delivery runs and retry passes",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind"})
	DispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_dispatch_errors_total",
		Help: "Runs that could not be dispatched",
	}, []string{"mode"})

	// Mail provider
	MailSendSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_mail_send_success_total",
		Help: "Total number of messages accepted by the provider",
	})
	MailSendFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_mail_send_failure_total",
		Help: "Total number of messages rejected by the provider or failed in transport",
	})
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_oauth_token_refreshes_total",
		Help: "Delegated access token refreshes by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(RateLimitDecisions)
	prometheus.MustRegister(RateLimitBuckets)
	prometheus.MustRegister(RateLimitBucketsEvicted)
	prometheus.MustRegister(QueueEnqueued)
	prometheus.MustRegister(DeliveryJobs)
	prometheus.MustRegister(DeliveryBatchWriteFailures)
	prometheus.MustRegister(DeliveryRuns)
	prometheus.MustRegister(DeliveryRunDuration)
	prometheus.MustRegister(DispatchErrors)
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(TokenRefreshes)
}
