package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarder_dispatch_jobs_queued_total",
		Help: "Jobs accepted by the dispatch queue",
	})
	jobsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarder_dispatch_jobs_abandoned_total",
		Help: "Jobs dropped after exhausting retries or on shutdown",
	})
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forwarder_dispatch_sends_total",
		Help: "Send attempts by outcome",
	}, []string{"outcome"})
	hourlyLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarder_dispatch_hourly_limit_waits_total",
		Help: "Times a worker waited for the hourly counter to reset",
	})
)
