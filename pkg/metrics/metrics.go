package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics of a tabledb process. A nil *Registry is
// valid and records nothing.
type Registry struct {
	registry *prometheus.Registry

	// Writer metrics
	RecordsAppended   *prometheus.CounterVec
	CommitsTotal      *prometheus.CounterVec
	CommitDuration    *prometheus.HistogramVec
	CommittedRecords  *prometheus.CounterVec
	MergesTotal       *prometheus.CounterVec
	MergeDuration     *prometheus.HistogramVec
	MergedBytes       *prometheus.CounterVec
	GCDeletedChunks   *prometheus.CounterVec
	GCDeletedManifest *prometheus.CounterVec
	ReplicatedChunks  *prometheus.CounterVec
	ConsistencyIssues *prometheus.GaugeVec

	// Table state
	ArenaBytes     *prometheus.GaugeVec
	ActiveChunks   *prometheus.GaugeVec
	ActiveBytes    *prometheus.GaugeVec
	HeadGeneration *prometheus.GaugeVec
	LiveSnapshots  *prometheus.GaugeVec
	ScheduledTasks *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.initWriterMetrics()
	r.initTableMetrics()
	r.initHTTPMetrics()
	return r
}

func (r *Registry) initWriterMetrics() {
	f := promauto.With(r.registry)

	r.RecordsAppended = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_records_appended_total",
		Help: "Records appended to arenas",
	}, []string{"table"})

	r.CommitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_commits_total",
		Help: "Commit attempts by result",
	}, []string{"table", "result"})

	r.CommitDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tabledb_commit_duration_seconds",
		Help:    "Time spent writing and publishing commits",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	r.CommittedRecords = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_committed_records_total",
		Help: "Records made durable by commits",
	}, []string{"table"})

	r.MergesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_merges_total",
		Help: "Merge attempts by result",
	}, []string{"table", "result"})

	r.MergeDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tabledb_merge_duration_seconds",
		Help:    "Time spent executing merges",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"table"})

	r.MergedBytes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_merged_input_bytes_total",
		Help: "Bytes of input chunks consumed by published merges",
	}, []string{"table"})

	r.GCDeletedChunks = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_gc_deleted_chunks_total",
		Help: "Chunk files reclaimed by garbage collection",
	}, []string{"table"})

	r.GCDeletedManifest = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_gc_deleted_generations_total",
		Help: "Generation manifests trimmed by garbage collection",
	}, []string{"table"})

	r.ReplicatedChunks = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_replicated_chunks_total",
		Help: "Chunks adopted from another replica",
	}, []string{"table"})

	r.ConsistencyIssues = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tabledb_consistency_issues",
		Help: "Issues found by the last consistency check",
	}, []string{"table"})
}

func (r *Registry) initTableMetrics() {
	f := promauto.With(r.registry)

	r.ArenaBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tabledb_arena_bytes",
		Help: "Approximate bytes buffered in the current arena",
	}, []string{"table"})

	r.ActiveChunks = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tabledb_active_chunks",
		Help: "Chunks referenced by the head generation",
	}, []string{"table"})

	r.ActiveBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tabledb_active_bytes",
		Help: "Bytes of chunks referenced by the head generation",
	}, []string{"table"})

	r.HeadGeneration = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tabledb_head_generation",
		Help: "Number of the head generation",
	}, []string{"table"})

	r.LiveSnapshots = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tabledb_pinned_generations",
		Help: "Generations held by live snapshots",
	}, []string{"table"})

	r.ScheduledTasks = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_scheduled_tasks_total",
		Help: "Maintenance tasks submitted to the scheduler",
	}, []string{"table", "task", "result"})
}

func (r *Registry) initHTTPMetrics() {
	f := promauto.With(r.registry)

	r.HTTPRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "tabledb_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	r.HTTPRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tabledb_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.DefaultGatherer
	}
	return r.registry
}

func (r *Registry) RecordAppend(table string, n int) {
	if r == nil {
		return
	}
	r.RecordsAppended.WithLabelValues(table).Add(float64(n))
}

func (r *Registry) RecordCommit(table, result string, records int, d time.Duration) {
	if r == nil {
		return
	}
	r.CommitsTotal.WithLabelValues(table, result).Inc()
	r.CommitDuration.WithLabelValues(table).Observe(d.Seconds())
	if records > 0 {
		r.CommittedRecords.WithLabelValues(table).Add(float64(records))
	}
}

func (r *Registry) RecordMerge(table, result string, inputBytes uint64, d time.Duration) {
	if r == nil {
		return
	}
	r.MergesTotal.WithLabelValues(table, result).Inc()
	r.MergeDuration.WithLabelValues(table).Observe(d.Seconds())
	if inputBytes > 0 {
		r.MergedBytes.WithLabelValues(table).Add(float64(inputBytes))
	}
}

func (r *Registry) RecordGC(table string, chunks, generations int) {
	if r == nil {
		return
	}
	r.GCDeletedChunks.WithLabelValues(table).Add(float64(chunks))
	r.GCDeletedManifest.WithLabelValues(table).Add(float64(generations))
}

func (r *Registry) RecordReplication(table string, chunks int) {
	if r == nil {
		return
	}
	r.ReplicatedChunks.WithLabelValues(table).Add(float64(chunks))
}

func (r *Registry) SetConsistencyIssues(table string, n int) {
	if r == nil {
		return
	}
	r.ConsistencyIssues.WithLabelValues(table).Set(float64(n))
}

func (r *Registry) SetArenaBytes(table string, n uint64) {
	if r == nil {
		return
	}
	r.ArenaBytes.WithLabelValues(table).Set(float64(n))
}

// UpdateHead publishes the shape of a table's head generation.
func (r *Registry) UpdateHead(table string, number uint64, chunks int, bytes uint64) {
	if r == nil {
		return
	}
	r.HeadGeneration.WithLabelValues(table).Set(float64(number))
	r.ActiveChunks.WithLabelValues(table).Set(float64(chunks))
	r.ActiveBytes.WithLabelValues(table).Set(float64(bytes))
}

func (r *Registry) SetPinnedGenerations(table string, n int) {
	if r == nil {
		return
	}
	r.LiveSnapshots.WithLabelValues(table).Set(float64(n))
}

func (r *Registry) RecordTask(table, task, result string) {
	if r == nil {
		return
	}
	r.ScheduledTasks.WithLabelValues(table, task, result).Inc()
}

func (r *Registry) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
