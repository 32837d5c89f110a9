// Package metrics holds the Prometheus collectors of resdb. Every collector
// is registered on Registry, which the serve command exposes over HTTP.
package metrics

import (
	"net/http"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resdb"

var (
	Registry = prometheus.NewRegistry()

	GRPCServerMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)
	GRPCClientMetrics = grpcprometheus.NewClientMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	// ResolverRequests counts Resolve calls by result: hit, built or failed.
	ResolverRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "requests_total",
		Help:      "Resolve calls by result.",
	}, []string{"result"})

	// StoreLookups counts per-store lookups made while searching the path.
	StoreLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "lookups_total",
		Help:      "Backend store lookups by store kind and outcome.",
	}, []string{"kind", "outcome"})

	// IndexEntries holds the record count of each index service by name.
	IndexEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "entries",
		Help:      "Location-tagged records held by each index service.",
	}, []string{"service"})
)

// Resolver results.
const (
	ResultHit    = "hit"
	ResultBuilt  = "built"
	ResultFailed = "failed"
)

// Store lookup outcomes.
const (
	OutcomeFound    = "found"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
	OutcomeBadData  = "undecodable"
)

func init() {
	GRPCServerMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
	GRPCClientMetrics.EnableClientHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
	Registry.MustRegister(
		GRPCServerMetrics,
		GRPCClientMetrics,
		ResolverRequests,
		StoreLookups,
		IndexEntries,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
