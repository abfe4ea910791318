// Package metrics provides Prometheus metrics for the Sorrel service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sorrel"

var (
	// ReconcileRequestsTotal tracks identify calls by outcome
	ReconcileRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "requests_total",
			Help:      "Total number of identify reconciliations by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcileDuration tracks end-to-end identify duration including retries
	ReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of identify reconciliations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)

	// ReconcileRetriesTotal tracks transaction retries by error class
	ReconcileRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "retries_total",
			Help:      "Total number of reconciliation transaction retries by reason",
		},
		[]string{"reason"},
	)

	// ContactsCreatedTotal tracks committed contact inserts
	ContactsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "contacts_created_total",
			Help:      "Total number of contacts created by link precedence",
		},
		[]string{"precedence"},
	)

	// DemotionsTotal tracks committed demotions and relinks
	DemotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "demotions_total",
			Help:      "Total number of contacts demoted or relinked by merges",
		},
	)

	// GateAcquisitionsTotal tracks contention gate results
	GateAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "acquisitions_total",
			Help:      "Total number of identity gate acquisitions by result",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal tracks inbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPRequestDuration tracks inbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of inbound HTTP requests in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// KafkaMessagesPublished tracks contact events published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesConsumed tracks submissions read from Kafka
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka by status",
		},
		[]string{"topic", "status"},
	)
)

// Reconcile outcomes
const (
	OutcomeSuccess     = "success"
	OutcomeBadRequest  = "bad_request"
	OutcomeConflict    = "conflict"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)
