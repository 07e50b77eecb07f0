package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// syncRuns counts completed sync passes.
	// Labels: trigger (connectivity, foreground, manual, startup)
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cropdoc",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Total completed sync passes",
	}, []string{"trigger"})

	// syncSkipped counts runs skipped because one was already in flight.
	syncSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cropdoc",
		Subsystem: "sync",
		Name:      "skipped_total",
		Help:      "Sync passes skipped because one was already running",
	})

	// syncedItems counts records accepted by the server.
	// Labels: kind (rating, diagnosis)
	syncedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cropdoc",
		Subsystem: "sync",
		Name:      "items_total",
		Help:      "Total records accepted by the server during sync",
	}, []string{"kind"})

	// syncErrors counts per-item submission failures.
	// Labels: kind (rating, diagnosis, usage)
	syncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cropdoc",
		Subsystem: "sync",
		Name:      "errors_total",
		Help:      "Total per-item failures during sync",
	}, []string{"kind"})

	// pendingItems reports how many local records still await sync.
	pendingItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cropdoc",
		Subsystem: "sync",
		Name:      "pending_items",
		Help:      "Local records not yet acknowledged by the server",
	})
)
