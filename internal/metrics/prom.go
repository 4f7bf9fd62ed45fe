package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "streamhub_build_info",
			Help:        "Build information for the streamhub server",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	// Streaming gateway
	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamhub_gateway_streams_active",
			Help: "Number of open gateway streams",
		},
	)
	streamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamhub_gateway_streams_total",
			Help: "Gateway streams by outcome",
		},
		[]string{"outcome"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamhub_gateway_frames_total",
			Help: "Frames written to gateway clients by type",
		},
		[]string{"type"},
	)
	bytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamhub_gateway_bytes_total",
			Help: "Bytes written to gateway clients",
		},
	)
	malformedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamhub_gateway_malformed_upstream_total",
			Help: "Upstream blocks dropped because they could not be parsed",
		},
	)
	firstToken = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamhub_gateway_first_token_seconds",
			Help:    "Latency from stream start to first token",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	streamDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamhub_gateway_stream_duration_seconds",
			Help:    "Wall-clock duration of gateway streams",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		},
	)

	// Pub/sub hub
	hubConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamhub_hub_connections_active",
			Help: "Number of open hub connections",
		},
	)
	hubClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamhub_hub_connections_closed_total",
			Help: "Hub connections closed by reason",
		},
		[]string{"reason"},
	)
	hubDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamhub_hub_messages_delivered_total",
			Help: "Hub messages queued for delivery by kind",
		},
		[]string{"kind"},
	)
	hubDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamhub_hub_messages_dropped_total",
			Help: "Hub messages dropped because a subscriber queue was full or closing",
		},
	)
)

// Register registers every streamhub collector with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		buildInfo,
		streamsActive, streamsTotal, framesTotal, bytesTotal, malformedTotal, firstToken, streamDuration,
		hubConnections, hubClosed, hubDelivered, hubDropped,
	)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// StreamOpened marks a gateway stream as active.
func StreamOpened() { streamsActive.Inc() }

// StreamClosed records the end of a gateway stream.
func StreamClosed(outcome string, dur time.Duration) {
	streamsActive.Dec()
	streamsTotal.WithLabelValues(outcome).Inc()
	streamDuration.Observe(dur.Seconds())
}

// RecordFrame records one frame of n bytes written to a gateway client.
func RecordFrame(frameType string, n int) {
	framesTotal.WithLabelValues(frameType).Inc()
	if n > 0 {
		bytesTotal.Add(float64(n))
	}
}

// RecordMalformedUpstream counts a dropped upstream block.
func RecordMalformedUpstream() { malformedTotal.Inc() }

// ObserveFirstToken records first-token latency.
func ObserveFirstToken(d time.Duration) { firstToken.Observe(d.Seconds()) }

// HubConnected marks a hub connection as open.
func HubConnected() { hubConnections.Inc() }

// HubDisconnected records a hub connection close.
func HubDisconnected(reason string) {
	hubConnections.Dec()
	hubClosed.WithLabelValues(reason).Inc()
}

// HubDelivered counts messages queued to subscribers.
func HubDelivered(kind string, n int) {
	if n > 0 {
		hubDelivered.WithLabelValues(kind).Add(float64(n))
	}
}

// HubDropped counts messages a subscriber failed to receive.
func HubDropped(n int) {
	if n > 0 {
		hubDropped.Add(float64(n))
	}
}
