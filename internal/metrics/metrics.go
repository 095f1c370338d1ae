// Package metrics exposes the forwarder's operational counters through
// VictoriaMetrics' lightweight client, scraped by internal/adminserver.
package metrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Set is the collection of counters one forwarder process maintains. Each
// is registered against the default VictoriaMetrics registry on creation.
type Set struct {
	RulesInstalled    *metrics.Counter
	ConnectionsOpened *metrics.Counter
	ConnectionsClosed *metrics.Counter
	BytesUpstream     *metrics.Counter
	BytesDownstream   *metrics.Counter
	PeerErrors        *metrics.Counter
	FatalErrors       *metrics.Counter
}

// New registers and returns a fresh counter set. Safe to call once per
// process; calling it twice would panic on duplicate registration, which is
// why cmd/tcpforward constructs exactly one Set at startup.
func New() *Set {
	return &Set{
		RulesInstalled:    metrics.NewCounter("tcpforward_rules_installed_total"),
		ConnectionsOpened: metrics.NewCounter("tcpforward_connections_opened_total"),
		ConnectionsClosed: metrics.NewCounter("tcpforward_connections_closed_total"),
		BytesUpstream:     metrics.NewCounter("tcpforward_bytes_upstream_total"),
		BytesDownstream:   metrics.NewCounter("tcpforward_bytes_downstream_total"),
		PeerErrors:        metrics.NewCounter("tcpforward_peer_errors_total"),
		FatalErrors:       metrics.NewCounter("tcpforward_fatal_errors_total"),
	}
}

// WritePrometheus serializes every registered metric in Prometheus
// exposition format, used by the admin HTTP surface's /metrics route.
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
