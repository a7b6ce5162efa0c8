// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelJoins counts JOIN commands issued to chat.
	ChannelJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lurkerhound_channel_joins_total",
		Help: "Chat channel JOIN commands issued.",
	})

	// SightingsWritten counts viewer sighting rows persisted.
	SightingsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lurkerhound_viewer_sightings_written_total",
		Help: "Viewer sighting rows written to storage.",
	})

	// FetchOutcomes counts terminal fetch states by status.
	FetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lurkerhound_fetches_total",
		Help: "Viewerlist fetches reaching a terminal status.",
	}, []string{"status"})

	// RefillMoves counts fetches moved from the pending queue to the
	// workbench by the conductor's refill loop.
	RefillMoves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lurkerhound_refill_moves_total",
		Help: "Fetches moved from pending to the workbench.",
	})

	// StreamsEnumerated counts live streams discovered during enumeration.
	StreamsEnumerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lurkerhound_streams_enumerated_total",
		Help: "Live streams enumerated into pending fetches.",
	})

	// ProfilesEnriched counts user profiles filled in by the enricher.
	ProfilesEnriched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lurkerhound_profiles_enriched_total",
		Help: "User profiles enriched from the platform API.",
	})

	// LoginsAggregated counts logins rolled up by the aggregator.
	LoginsAggregated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lurkerhound_logins_aggregated_total",
		Help: "Viewer logins aggregated into lifetime stats.",
	})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
