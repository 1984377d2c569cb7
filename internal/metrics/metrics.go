// Package metrics holds the Prometheus collectors of the settlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "claims_total",
		Help:      "Claim attempts by result (claimed, conflict, stale_repaired).",
	}, []string{"result"})

	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "transfers_total",
		Help:      "On-chain transfer outcomes (settled, retrying, failed, claim_lost).",
	}, []string{"result"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "webhook_deliveries_total",
		Help:      "Outbound webhook delivery attempts by result.",
	}, []string{"result"})

	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of one orchestration cycle by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
)
