package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the relay sessions currently open, by kind
// ("manifest" or "segment").
var ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stepzz_proxy_active_sessions",
	Help: "Number of active relay sessions",
}, []string{"kind"})

// BytesTransferred tracks the total number of bytes relayed to clients per channel.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stepzz_proxy_bytes_transferred",
	Help: "Total bytes relayed to clients",
}, []string{"channel"})

// StreamErrors counts relay failures per channel. The "error_type" label
// distinguishes resolution, upstream status, upstream read and not-manifest errors.
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stepzz_proxy_stream_errors",
	Help: "Number of stream errors",
}, []string{"channel", "error_type"})

// Resolutions counts resolver lookups by result ("hit", "resolved",
// "failed", "negative").
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stepzz_proxy_resolutions_total",
	Help: "Manifest resolver lookups by result",
}, []string{"result"})

// ResolveDuration observes how long an upstream resolution takes, retries included.
var ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "stepzz_proxy_resolve_duration_seconds",
	Help:    "Duration of upstream manifest resolutions",
	Buckets: prometheus.DefBuckets,
})

// CatalogChannels is the number of channels in the active catalog snapshot.
var CatalogChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stepzz_proxy_catalog_channels",
	Help: "Number of channels in the active catalog",
})

// CatalogSourceErrors counts failed listing fetches per source.
var CatalogSourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stepzz_proxy_catalog_source_errors",
	Help: "Number of failed channel listing fetches",
}, []string{"source"})

// PlaylistRequests counts aggregate playlist requests by outcome
// ("served", "cached", "rejected", "unavailable").
var PlaylistRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stepzz_proxy_playlist_requests",
	Help: "Aggregate playlist requests by outcome",
}, []string{"outcome"})
