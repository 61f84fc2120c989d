// ABOUTME: Prometheus instruments for marking and shortest-path traversals
// ABOUTME: Registered on the default registry at package init

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ObjectsMarked counts objects marked by successful runs
	ObjectsMarked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heapreach_objects_marked_total",
		Help: "Total number of objects newly marked reachable, labelled by strategy.",
	}, []string{"strategy"})

	// MarkDuration times marking runs
	MarkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heapreach_mark_duration_seconds",
		Help:    "Wall time of a marking run, labelled by strategy and outcome.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"strategy", "outcome"})

	// TasksForked counts visits handed to the worker pool
	TasksForked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heapreach_mark_tasks_forked_total",
		Help: "Visit tasks scheduled independently on the marking worker pool.",
	})

	// BFSProcessed counts objects dequeued by path searches
	BFSProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heapreach_bfs_objects_processed_total",
		Help: "Objects dequeued by the shortest-path BFS.",
	})

	// PathsFound counts path search targets by result
	PathsFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heapreach_paths_found_total",
		Help: "Targets resolved by the shortest-path BFS, labelled by result.",
	}, []string{"result"})

	// ExclusionChecks counts edges that needed field resolution
	ExclusionChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heapreach_exclusion_checks_total",
		Help: "Edges tested against exclusion descriptors that needed field resolution.",
	}, []string{"result"})
)

// Resolved children of ExclusionChecks, incremented once per filtered edge
var (
	ExclusionsExcluded = ExclusionChecks.WithLabelValues("excluded")
	ExclusionsKept     = ExclusionChecks.WithLabelValues("kept")
)
