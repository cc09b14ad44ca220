package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Indexer metrics, partitioned by stream.

var (
	Cursor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "safe_indexer",
		Subsystem: "indexer",
		Name:      "cursor_block",
		Help:      "Last processed block per stream",
	}, []string{"stream"})

	ChainHead = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "safe_indexer",
		Subsystem: "indexer",
		Name:      "chain_head",
		Help:      "Latest block number reported by the remote node",
	})

	Reorgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safe_indexer",
		Subsystem: "indexer",
		Name:      "reorgs_total",
		Help:      "Chain reorganizations repaired",
	}, []string{"stream"})

	RewindDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "safe_indexer",
		Subsystem: "indexer",
		Name:      "rewind_depth_blocks",
		Help:      "Blocks rewound per repaired reorganization",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 64, 128},
	}, []string{"stream"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "safe_indexer",
		Subsystem: "indexer",
		Name:      "cycle_duration_seconds",
		Help:      "Indexing cycle duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stream", "result"})

	SkippedCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safe_indexer",
		Subsystem: "indexer",
		Name:      "skipped_cycles_total",
		Help:      "Cycles skipped because another worker held the stream lock",
	}, []string{"stream"})

	RecordsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safe_indexer",
		Subsystem: "indexer",
		Name:      "records_persisted_total",
		Help:      "Records written to the record store",
	}, []string{"stream"})

	BatchSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "safe_indexer",
		Subsystem: "indexer",
		Name:      "batch_size_blocks",
		Help:      "Current per cycle block limit",
	}, []string{"stream"})

	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safe_indexer",
		Subsystem: "decoder",
		Name:      "failures_total",
		Help:      "Call data that could not be decoded",
	}, []string{"reason"})

	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safe_indexer",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Remote node requests",
	}, []string{"method", "result"})

	RPCBatchFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "safe_indexer",
		Subsystem: "rpc",
		Name:      "batch_fallbacks_total",
		Help:      "Times the client switched from batched to single calls",
	})

	RPCFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safe_indexer",
		Subsystem: "rpc",
		Name:      "failovers_total",
		Help:      "Failed node attempts that were retried on another node",
	}, []string{"node"})

	OutputErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safe_indexer",
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "Failed event deliveries per output",
	}, []string{"output"})
)

// Result returns the result label for err.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
