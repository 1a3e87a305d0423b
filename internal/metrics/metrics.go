package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "repaircrm"

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method and status class.",
	}, []string{"method", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticket_transitions_total",
		Help:      "Status change requests by ticket kind, target status and outcome.",
	}, []string{"kind", "to", "result"})

	OTPIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "otp_issued_total",
		Help:      "Delivery OTP challenges issued by recipient selector.",
	}, []string{"recipient"})

	OTPVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "otp_verifications_total",
		Help:      "Delivery OTP verification outcomes.",
	}, []string{"result"})

	OTPPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "otp_purged_total",
		Help:      "Expired or consumed OTP challenges deleted by housekeeping.",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification dispatch outcomes by event, channel and status.",
	}, []string{"event", "channel", "status"})

	NotificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notification_queue_depth",
		Help:      "Notifications waiting for a dispatch worker.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
