package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConfirmTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyhub",
			Name:      "payment_confirm_total",
			Help:      "Payment confirmation decisions by source and resulting status.",
		},
		[]string{"source", "status"}, // source: webhook/monitor/callback/expiry/reconcile
	)

	RechargeCreditedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxyhub",
			Name:      "recharge_credited_total",
			Help:      "Total number of recharge orders credited to user balance.",
		},
	)

	WebhookRejectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyhub",
			Name:      "webhook_reject_total",
			Help:      "Total number of rejected payment webhooks.",
		},
		[]string{"reason"},
	)

	UpstreamCallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyhub",
			Name:      "upstream_call_total",
			Help:      "Calls to the payment processor API.",
		},
		[]string{"endpoint", "result"}, // result: ok/error/open
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proxyhub",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
		},
		[]string{"route", "status"},
	)

	RateLimitBlockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyhub",
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"route"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		ConfirmTotal,
		RechargeCreditedTotal,
		WebhookRejectTotal,
		UpstreamCallTotal,
		HTTPRequestDuration,
		RateLimitBlockTotal,
	)
}
