package rest

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks REST traffic.
var Metrics = struct {
	RequestsTotal    *prometheus.CounterVec
	RatelimitedTotal *prometheus.CounterVec
	Reconnects       prometheus.Counter
}{
	RequestsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valk_rest_requests_total",
			Help: "Total number of REST responses, split by route and status code",
		},
		[]string{"route", "status"},
	),
	RatelimitedTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valk_rest_ratelimited_total",
			Help: "Number of times a bucket was rate limited",
		},
		[]string{"route"},
	),
	Reconnects: promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "valk_rest_reconnects_total",
			Help: "Number of REST connections opened after the first",
		},
	),
}

func recordResponse(route string, status int) {
	Metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func recordRatelimited(route string) {
	Metrics.RatelimitedTotal.WithLabelValues(route).Inc()
}
