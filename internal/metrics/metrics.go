package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hotspotbill"

var registry = prometheus.NewRegistry()

var (
	// GatewayCalls counts router calls by transport and result kind ("ok" or an error kind)
	GatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Router device calls by transport and result.",
	}, []string{"transport", "result"})

	GatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "call_seconds",
		Help:      "Router device call latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"transport"})

	SettlementOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "outcomes_total",
		Help:      "Payment confirmations by settlement outcome.",
	}, []string{"outcome"})

	VouchersGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "voucher",
		Name:      "generated_total",
		Help:      "Generated vouchers by router provisioning status.",
	}, []string{"provision"})

	CatalogSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "syncs_total",
		Help:      "Catalog sync runs by result.",
	}, []string{"result"})

	ServiceActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "actions_total",
		Help:      "Service control actions by action and result.",
	}, []string{"action", "result"})
)

func init() {
	registry.MustRegister(
		GatewayCalls,
		GatewayLatency,
		SettlementOutcomes,
		VouchersGenerated,
		CatalogSyncs,
		ServiceActions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler exposes the registry in the prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the registry, tests use it to gather values
func Registry() *prometheus.Registry {
	return registry
}
