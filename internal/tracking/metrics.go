package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_tracking_records_sent_total",
		Help: "Metric records successfully streamed to the tracking server",
	})
	recordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_tracking_records_dropped_total",
		Help: "Metric records dropped due to tracking server failures",
	})
	logFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_tracking_failures_total",
		Help: "Failed DoPut calls against the tracking server",
	})
)
