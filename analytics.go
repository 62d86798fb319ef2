package valk

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics tracks gateway sessions.
var GatewayMetrics = struct {
	EventsTotal    *prometheus.CounterVec
	GatewayLatency *prometheus.GaugeVec
	ShardStatus    *prometheus.GaugeVec
	Reconnects     *prometheus.CounterVec
	SentPayloads   *prometheus.CounterVec
}{
	EventsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valk_events_total",
			Help: "Total number of dispatch events received, split by identifier and event type",
		},
		[]string{"identifier", "event_type"},
	),
	GatewayLatency: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "valk_gateway_latency_seconds",
			Help: "Gateway latency in seconds, measured by heartbeat",
		},
		[]string{"identifier", "shard_id"},
	),
	ShardStatus: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "valk_shard_status",
			Help: "Status of the shard",
		},
		[]string{"identifier", "shard_id"},
	),
	Reconnects: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valk_shard_reconnects_total",
			Help: "Number of times a shard opened a new connection, split by close code",
		},
		[]string{"identifier", "code"},
	),
	SentPayloads: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valk_gateway_sent_total",
			Help: "Payloads sent to the gateway, split by op",
		},
		[]string{"identifier", "op"},
	),
}

// ProducerMetrics tracks the dispatch producer.
var ProducerMetrics = struct {
	Published prometheus.Counter
	Dropped   prometheus.Counter
	Failed    prometheus.Counter
}{
	Published: promauto.NewCounter(prometheus.CounterOpts{
		Name: "valk_producer_published_total",
		Help: "Payloads published to the broker",
	}),
	Dropped: promauto.NewCounter(prometheus.CounterOpts{
		Name: "valk_producer_dropped_total",
		Help: "Payloads dropped because the producer buffer was full",
	}),
	Failed: promauto.NewCounter(prometheus.CounterOpts{
		Name: "valk_producer_failed_total",
		Help: "Payloads the broker rejected",
	}),
}

func RecordEvent(identifier, eventType string) {
	GatewayMetrics.EventsTotal.WithLabelValues(identifier, eventType).Inc()
}

func UpdateGatewayLatency(identifier string, shardID int32, seconds float64) {
	GatewayMetrics.GatewayLatency.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(seconds)
}

func UpdateShardStatus(identifier string, shardID int32, status ShardStatus) {
	GatewayMetrics.ShardStatus.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(float64(status))
}

func RecordReconnect(identifier string, code int) {
	GatewayMetrics.Reconnects.WithLabelValues(identifier, strconv.Itoa(code)).Inc()
}

func RecordSent(identifier string, op int) {
	GatewayMetrics.SentPayloads.WithLabelValues(identifier, strconv.Itoa(op)).Inc()
}
