package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	MessagesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_messages_created_total", Help: "Message creation outcomes"},
		[]string{"result"},
	)
	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_status_transitions_total", Help: "Status transition outcomes"},
		[]string{"result"},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_events_published_total", Help: "Events published to rooms"},
		[]string{"type"},
	)
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chatrelay_connections", Help: "Live event stream connections"},
	)
	WebhookBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_webhook_batches_total", Help: "Provider webhook batches"},
		[]string{"result"},
	)
	IngestRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_ingest_records_total", Help: "Ingested payload records"},
		[]string{"kind", "result"},
	)
	ForwarderDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatrelay_forwarder_deliveries_total", Help: "Egress webhook delivery outcomes"},
		[]string{"result", "http_status"},
	)
	ForwarderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chatrelay_forwarder_latency_seconds", Help: "Egress webhook delivery latency"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, MessagesCreated, StatusTransitions, EventsPublished,
		Connections, WebhookBatches, IngestRecords, ForwarderDeliveries, ForwarderLatency)
}
