package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_events_published_total",
		Help: "Total number of domain events published on the bus, labelled by event name.",
	}, []string{"event"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketflow_events_dropped_total",
		Help: "Total number of handler deliveries rejected due to a full bus queue.",
	})

	RulesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_rules_evaluated_total",
		Help: "Total number of rule evaluations, labelled by outcome.",
	}, []string{"outcome"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_actions_executed_total",
		Help: "Total number of actions executed, labelled by type and status.",
	}, []string{"action_type", "status"})

	RuleProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ticketflow_rule_processing_duration_ms",
		Help:    "Time spent running every rule for one event, in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_webhook_deliveries_total",
		Help: "Total number of webhook deliveries, labelled by final status.",
	}, []string{"status"})

	WebhookAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketflow_webhook_attempts_total",
		Help: "Total number of webhook HTTP attempts including retries.",
	})

	WebhookListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ticketflow_webhook_listeners",
		Help: "Number of event names the webhook service is currently subscribed to.",
	})

	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_emails_sent_total",
		Help: "Total number of email send attempts, labelled by provider type and status.",
	}, []string{"provider_type", "status"})

	ProviderFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_provider_failovers_total",
		Help: "Total number of provider failovers, labelled by outcome.",
	}, []string{"outcome"})

	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_ingest_messages_total",
		Help: "Total number of external event messages received, labelled by outcome.",
	}, []string{"outcome"})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ticketflow_bus_queue_utilization_ratio",
		Help: "Current event bus queue utilization (0–1).",
	})
)
