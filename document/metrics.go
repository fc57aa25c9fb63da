package document

import "github.com/prometheus/client_golang/prometheus"

// Keys for document metrics.
const (
	MutationsTotalKey       = "sqlsync_document_mutations_total"
	ReducerFailuresTotalKey = "sqlsync_document_reducer_failures_total"
	StorageCommitsTotalKey  = "sqlsync_document_storage_commits_total"
	SyncBytesSentTotalKey   = "sqlsync_document_sync_bytes_sent_total"
	SyncBytesRecvTotalKey   = "sqlsync_document_sync_bytes_received_total"
	SubscriberCountKey      = "sqlsync_document_subscribers"
)

// Collectors for document metrics.
var (
	MutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MutationsTotalKey,
		Help: "Cumulative number of mutations applied, partitioned by status.",
	}, []string{"status"})
	ReducerFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ReducerFailuresTotalKey,
		Help: "Cumulative number of reducer failures (errors, panics, or timeouts).",
	})
	StorageCommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: StorageCommitsTotalKey,
		Help: "Cumulative number of storage journal commits performed by a coordinator.",
	})
	SyncBytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SyncBytesSentTotalKey,
		Help: "Cumulative number of bytes sent over sync links.",
	})
	SyncBytesRecvTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SyncBytesRecvTotalKey,
		Help: "Cumulative number of bytes received over sync links.",
	})
	SubscriberCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: SubscriberCountKey,
		Help: "Number of active query-invalidation subscribers.",
	})
)

// Collectors returns every metric registered by the document package, for
// a caller's single prometheus.MustRegister(document.Collectors()...) call.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		MutationsTotal,
		ReducerFailuresTotal,
		StorageCommitsTotal,
		SyncBytesSentTotal,
		SyncBytesRecvTotal,
		SubscriberCount,
	}
}
