// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for live connections and online users, counters for the
// send, delivery, cache and admission pipelines, and a histogram for send
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "securechat_connections_total",
		Help: "Current number of live connections",
	})

	// OnlineUsers tracks the number of users bound in the presence registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "securechat_online_users",
		Help: "Current number of users with a bound live connection",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "sent", "rejected", "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "securechat_messages_total",
		Help: "Total number of send attempts by outcome",
	}, []string{"outcome"})

	// DeliveriesTotal counts live pushes by route: "local", "remote",
	// "offline", "failed".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "securechat_deliveries_total",
		Help: "Total number of live delivery attempts by route",
	}, []string{"route"})

	// CacheRequests counts history cache lookups by result: "hit", "miss",
	// "error".
	CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "securechat_cache_requests_total",
		Help: "History cache lookups by result",
	}, []string{"result"})

	// CacheInvalidateFailures counts sends whose cache invalidation failed,
	// leaving a stale entry until TTL expiry.
	CacheInvalidateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "securechat_cache_invalidate_failures_total",
		Help: "History cache invalidations that failed after a successful send",
	})

	// DecryptFailures counts stored messages that could not be decrypted on
	// read and were replaced by a placeholder.
	DecryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "securechat_decrypt_failures_total",
		Help: "Messages replaced by a placeholder because decryption failed",
	})

	// RateLimited counts requests rejected by the admission limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "securechat_rate_limited_total",
		Help: "Requests rejected by the admission limiter",
	}, []string{"rule"})

	// SendLatency records end-to-end send latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "securechat_send_latency_seconds",
		Help:    "Message send latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		DeliveriesTotal,
		CacheRequests,
		CacheInvalidateFailures,
		DecryptFailures,
		RateLimited,
		SendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
