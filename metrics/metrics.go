// Package metrics defines prometheus collectors for the storage adapter.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values for operation outcomes.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for storage adapter instances.
var (
	ConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docstore_sqlite_connections_open",
		Help: "Number of open engine connections held by the registry.",
	})
	DocumentsWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_sqlite_documents_written_total",
		Help: "Cumulative number of documents successfully written.",
	})
	WriteErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_sqlite_write_errors_total",
		Help: "Cumulative number of per-document write errors reported in bulk-write results.",
	})
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_sqlite_queries_total",
		Help: "Cumulative number of document queries.",
	}, []string{"status"})
	QueryDurationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_sqlite_query_duration_seconds_total",
		Help: "Cumulative number of seconds spent executing document queries.",
	})
	ValidationRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_sqlite_validation_rejections_total",
		Help: "Cumulative number of documents rejected by the pluggable validator.",
	})
	ChangeEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docstore_sqlite_change_events_total",
		Help: "Cumulative number of change events published to stream subscribers.",
	})
)

// StorageCollectors lists the collectors of this package, for registration
// by the host:
//
//	prometheus.MustRegister(metrics.StorageCollectors()...)
func StorageCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectionsOpen,
		DocumentsWrittenTotal,
		WriteErrorsTotal,
		QueriesTotal,
		QueryDurationTotal,
		ValidationRejectionsTotal,
		ChangeEventsTotal,
	}
}
