package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onegate_dispatch_requests_total",
			Help: "Dispatched requests by final status",
		},
		[]string{"status"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onegate_dispatch_attempts_total",
			Help: "Channel attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	failoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onegate_dispatch_failovers_total",
			Help: "Attempts made after an earlier candidate failed",
		},
	)

	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onegate_dispatch_attempt_duration_seconds",
			Help:    "Time from invoking a channel to its terminal chunk",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
		},
		[]string{"channel"},
	)

	channelExcluded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onegate_channel_excluded",
			Help: "1 while the channel is excluded by the health circuit",
		},
		[]string{"channel"},
	)
)

const (
	statusSuccess  = "success"
	statusFailed   = "failed"
	statusRejected = "rejected"
	statusCanceled = "canceled"
)

// ObserveExclusion tracks exclusion changes in the channel_excluded gauge.
// It matches channel.EvaluatorConfig.OnExclusionChange.
func ObserveExclusion(channel string, excluded bool) {
	if excluded {
		channelExcluded.WithLabelValues(channel).Set(1)
		return
	}
	channelExcluded.WithLabelValues(channel).Set(0)
}
