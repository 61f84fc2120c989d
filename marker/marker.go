// ABOUTME: Reachability marking from GC roots over an outbound adjacency index
// ABOUTME: Single-threaded stack walk, exclusion-aware walk, and a work-stealing parallel walk

// Package marker computes the set of objects reachable from a set of roots.
//
// Marking writes into a caller-owned []bool, one entry per object id. Bits
// only ever go from false to true, so marking the same roots twice is a
// no-op the second time. A canceled run leaves the bits partially written;
// callers must discard them.
package marker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/prateek/heapreach/exclude"
	"github.com/prateek/heapreach/graph"
	"github.com/prateek/heapreach/internal/logging"
	"github.com/prateek/heapreach/metrics"
	"github.com/prateek/heapreach/progress"
)

const (
	// DefaultInlineDepth is how many levels below a task's object are
	// visited synchronously before children are forked as new tasks
	DefaultInlineDepth = 4

	initialStackSize = 10 * 1024

	// checkInterval bounds the pops between cancellation polls inside a
	// single root's subtree
	checkInterval = 1 << 12

	taskLabel = "Marking objects"
)

// Strategy selects how Mark walks the graph
type Strategy int

const (
	SingleThreaded Strategy = iota
	MultiThreaded
)

func (s Strategy) String() string {
	switch s {
	case SingleThreaded:
		return "single"
	case MultiThreaded:
		return "multi"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps "single" or "multi" onto a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "single", "single-threaded":
		return SingleThreaded, nil
	case "multi", "multi-threaded", "parallel":
		return MultiThreaded, nil
	}
	return 0, fmt.Errorf("unknown marking strategy %q", s)
}

// Marker marks everything reachable from roots into bits
type Marker struct {
	roots       []graph.ObjID
	bits        []bool
	outbound    graph.AdjacencyIndex
	strategy    Strategy
	threads     int
	inlineDepth int
	listener    progress.Listener
	logger      *slog.Logger
}

// Option configures a Marker
type Option func(*Marker)

// WithStrategy selects the walk used by Mark
func WithStrategy(s Strategy) Option {
	return func(m *Marker) { m.strategy = s }
}

// WithThreads sets the worker count used by Mark with MultiThreaded.
// Values below one fall back to GOMAXPROCS.
func WithThreads(n int) Option {
	return func(m *Marker) { m.threads = n }
}

// WithInlineDepth sets how many levels a parallel task visits before forking
func WithInlineDepth(d int) Option {
	return func(m *Marker) { m.inlineDepth = max(d, 0) }
}

// WithListener reports progress to l and polls it for cancellation
func WithListener(l progress.Listener) Option {
	return func(m *Marker) {
		if l != nil {
			m.listener = l
		}
	}
}

// WithLogger sets the logger for run summaries
func WithLogger(l *slog.Logger) Option {
	return func(m *Marker) { m.logger = l }
}

// New creates a Marker. bits must have one entry per id in outbound and is
// written in place.
func New(roots []graph.ObjID, bits []bool, outbound graph.AdjacencyIndex, opts ...Option) *Marker {
	m := &Marker{
		roots:       roots,
		bits:        bits,
		outbound:    outbound,
		inlineDepth: DefaultInlineDepth,
		listener:    progress.Nop,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.threads < 1 {
		m.threads = runtime.GOMAXPROCS(0)
	}
	return m
}

// Mark runs the configured strategy and returns the number of newly marked
// objects, roots included.
func (m *Marker) Mark(ctx context.Context) (int, error) {
	if m.strategy == MultiThreaded {
		return m.MarkMultiThreaded(ctx, m.threads)
	}
	return m.MarkSingleThreaded(ctx)
}

// MarkSingleThreaded walks the graph on the calling goroutine with an
// explicit stack, so arbitrarily deep graphs do not recurse.
func (m *Marker) MarkSingleThreaded(ctx context.Context) (int, error) {
	return m.run(ctx, SingleThreaded, func(ctx context.Context) (int, error) {
		return m.walk(ctx, nil)
	})
}

// MarkSingleThreadedExcluding is MarkSingleThreaded with every edge gated by
// the exclusion descriptors. snap resolves the named fields of referrers.
func (m *Marker) MarkSingleThreadedExcluding(ctx context.Context, descriptors []exclude.Descriptor, snap graph.Snapshot) (int, error) {
	filter := exclude.NewFilter(len(m.bits), snap, descriptors...)
	if filter.Empty() {
		filter = nil
	}
	return m.run(ctx, SingleThreaded, func(ctx context.Context) (int, error) {
		return m.walk(ctx, filter)
	})
}

func (m *Marker) run(ctx context.Context, s Strategy, fn func(context.Context) (int, error)) (int, error) {
	logger := logging.WithRun(m.logger, "mark")
	logger.Debug("marking started", "strategy", s, "roots", len(m.roots), "objects", len(m.bits))
	start := time.Now()

	count, err := fn(ctx)

	elapsed := time.Since(start)
	outcome := "ok"
	switch {
	case err == nil:
		metrics.ObjectsMarked.WithLabelValues(s.String()).Add(float64(count))
		logger.Info("marking finished", "strategy", s, "marked", count, "elapsed", elapsed)
	case isCanceled(err):
		outcome = "canceled"
		logger.Info("marking canceled", "strategy", s, "elapsed", elapsed)
	default:
		outcome = "error"
		logger.Error("marking failed", "strategy", s, "error", err)
	}
	metrics.MarkDuration.WithLabelValues(s.String(), outcome).Observe(elapsed.Seconds())
	return count, err
}

func (m *Marker) walk(ctx context.Context, filter *exclude.Filter) (int, error) {
	count := 0
	rootsToProcess := 0
	stack := make([]graph.ObjID, 0, initialStackSize)

	for _, root := range m.roots {
		if !m.bits[root] {
			stack = append(stack, root)
			m.bits[root] = true
			count++
			rootsToProcess++
		}
	}

	m.listener.BeginTask(taskLabel, rootsToProcess)

	pops := 0
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		// unvisited roots occupy the bottom rootsToProcess slots, so popping
		// from that region means the previous root's subtree is finished
		if len(stack) < rootsToProcess {
			rootsToProcess--
			m.listener.Worked(1)
			if err := progress.Check(ctx, m.listener); err != nil {
				return count, err
			}
		} else if pops++; pops%checkInterval == 0 {
			if err := progress.Check(ctx, m.listener); err != nil {
				return count, err
			}
		}

		for _, child := range m.outbound.Get(current) {
			if m.bits[child] {
				continue
			}
			if filter != nil {
				excluded, err := filter.Excluded(current, child)
				if err != nil {
					return count, fmt.Errorf("marking: %w", err)
				}
				if excluded {
					continue
				}
			}
			stack = append(stack, child)
			m.bits[child] = true
			count++
		}
	}

	m.listener.Done()
	return count, nil
}
