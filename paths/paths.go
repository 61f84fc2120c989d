// ABOUTME: Shortest paths from GC roots to a set of target objects via one multi-root BFS
// ABOUTME: Supports field exclusions and stops as soon as every target has been discovered

// Package paths finds, for each requested object, a shortest chain of
// references from some GC root. All targets share a single breadth-first
// search over the outbound index, which stops early once every target has
// been reached.
package paths

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/prateek/heapreach/exclude"
	"github.com/prateek/heapreach/graph"
	"github.com/prateek/heapreach/internal/logging"
	"github.com/prateek/heapreach/metrics"
	"github.com/prateek/heapreach/progress"
)

const (
	// NoParent marks a GC root in the BFS tree; it stands for the synthetic
	// super-root above all roots and never appears in a path
	NoParent graph.ObjID = -1

	// NotVisited marks ids the BFS has not reached
	NotVisited graph.ObjID = -2

	taskLabel = "Finding paths"
)

// PathTree aggregates paths that share common suffixes, e.g. to group them by
// GC root or by class. Paths are passed target first, root last.
type PathTree interface {
	AddPath(path []graph.ObjID)
	NextLevel() []PathTree
}

// ClassTreeFactory creates the root of a class-grouping PathTree
type ClassTreeFactory func(startFromRoots bool) PathTree

// Computer finds shortest paths from the GC roots to a fixed set of targets.
// The search runs once, on the first call that needs it; a Computer is not
// safe for concurrent use.
type Computer struct {
	snap       graph.Snapshot
	outbound   graph.AdjacencyIndex
	targets    []graph.ObjID
	excludeMap map[graph.ClassID]exclude.FieldSet
	listener   progress.Listener
	logger     *slog.Logger

	computed bool
	parent   []graph.ObjID
	paths    [][]graph.ObjID
}

// Option configures a Computer
type Option func(*Computer)

// WithListener reports progress to l and polls it for cancellation
func WithListener(l progress.Listener) Option {
	return func(c *Computer) {
		if l != nil {
			c.listener = l
		}
	}
}

// WithLogger sets the logger for run summaries
func WithLogger(l *slog.Logger) Option {
	return func(c *Computer) { c.logger = l }
}

// NewComputer prepares a search for targets. excludeMap names, per class,
// the fields whose edges the search may not follow; a nil field set hides
// every edge of that class. A nil or empty map searches the whole graph.
func NewComputer(snap graph.Snapshot, outbound graph.AdjacencyIndex, targets []graph.ObjID,
	excludeMap map[graph.ClassID]exclude.FieldSet, opts ...Option) *Computer {
	c := &Computer{
		snap:       snap,
		outbound:   outbound,
		targets:    targets,
		excludeMap: excludeMap,
		listener:   progress.Nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AllPaths returns one shortest path per distinct reachable target, in the
// order targets were given. Index 0 of each path is the target and the last
// element is a GC root. Targets that cannot be reached are left out.
func (c *Computer) AllPaths(ctx context.Context) ([][]graph.ObjID, error) {
	if err := c.compute(ctx); err != nil {
		return nil, err
	}
	return c.paths, nil
}

// PathsByGCRoot hands every path to tree and returns its first level
func (c *Computer) PathsByGCRoot(ctx context.Context, tree PathTree) ([]PathTree, error) {
	if err := c.compute(ctx); err != nil {
		return nil, err
	}
	for _, p := range c.paths {
		tree.AddPath(p)
	}
	return tree.NextLevel(), nil
}

// PathsGroupedByClass hands every path to a tree created by newTree and
// returns its first level
func (c *Computer) PathsGroupedByClass(ctx context.Context, startFromRoots bool, newTree ClassTreeFactory) ([]PathTree, error) {
	return c.PathsByGCRoot(ctx, newTree(startFromRoots))
}

// ParentOf returns the BFS predecessor of id: NoParent for roots and
// NotVisited for ids the search did not reach before it stopped.
func (c *Computer) ParentOf(ctx context.Context, id graph.ObjID) (graph.ObjID, error) {
	if err := c.compute(ctx); err != nil {
		return NotVisited, err
	}
	if id < 0 || int(id) >= len(c.parent) {
		return NotVisited, fmt.Errorf("parent of %d: %w", id, graph.ErrUnknownObject)
	}
	return c.parent[id], nil
}

func (c *Computer) compute(ctx context.Context) error {
	if c.computed {
		return nil
	}
	logger := logging.WithRun(c.logger, "paths")
	start := time.Now()

	n := c.outbound.Size()
	var filter *exclude.Filter
	if len(c.excludeMap) > 0 {
		filter = exclude.NewFilter(n, c.snap, exclude.FromClasses(c.snap, c.excludeMap)...)
		if filter.Empty() {
			filter = nil
		}
	}

	isTarget := bitset.New(uint(n))
	remaining := 0
	for _, t := range c.targets {
		if t >= 0 && int(t) < n && !isTarget.Test(uint(t)) {
			isTarget.Set(uint(t))
			remaining++
		}
	}
	logger.Debug("path search started", "targets", remaining, "objects", n, "exclusions", filter != nil)

	parent := make([]graph.ObjID, n)
	for i := range parent {
		parent[i] = NotVisited
	}

	current := make([]graph.ObjID, 0, 1024)
	for _, root := range c.snap.GCRoots() {
		if root < 0 || int(root) >= n || parent[root] != NotVisited {
			continue
		}
		parent[root] = NoParent
		current = append(current, root)
		if isTarget.Test(uint(root)) {
			remaining--
		}
	}

	cadence := max(10, n/1000)
	c.listener.BeginTask(taskLabel, n/cadence+1)

	processed := 0
	next := make([]graph.ObjID, 0, 1024)
search:
	for remaining > 0 && len(current) > 0 {
		// sorted levels read the index in id order; only path length is
		// guaranteed, not which of several shortest paths wins
		slices.Sort(current)
		next = next[:0]

		for _, id := range current {
			processed++
			if processed%cadence == 0 {
				c.listener.Worked(1)
				if err := progress.Check(ctx, c.listener); err != nil {
					metrics.BFSProcessed.Add(float64(processed))
					logger.Info("path search canceled", "processed", processed)
					return err
				}
			}

			for _, child := range c.outbound.Get(id) {
				if parent[child] != NotVisited {
					continue
				}
				if filter != nil {
					excluded, err := filter.Excluded(id, child)
					if err != nil {
						return fmt.Errorf("path search: %w", err)
					}
					if excluded {
						continue
					}
				}
				parent[child] = id
				if isTarget.Test(uint(child)) {
					remaining--
					if remaining == 0 {
						break search
					}
				}
				next = append(next, child)
			}
		}
		current, next = next, current
	}
	c.listener.Done()
	metrics.BFSProcessed.Add(float64(processed))

	c.parent = parent
	c.paths = c.collect(isTarget)
	c.computed = true

	metrics.PathsFound.WithLabelValues("found").Add(float64(len(c.paths)))
	metrics.PathsFound.WithLabelValues("unreachable").Add(float64(int(isTarget.Count()) - len(c.paths)))
	logger.Info("path search finished", "targets", isTarget.Count(), "found", len(c.paths),
		"processed", processed, "elapsed", time.Since(start))
	return nil
}

// collect walks the parent array once per distinct target
func (c *Computer) collect(isTarget *bitset.BitSet) [][]graph.ObjID {
	seen := bitset.New(isTarget.Len())
	var out [][]graph.ObjID
	for _, t := range c.targets {
		if t < 0 || !isTarget.Test(uint(t)) || seen.Test(uint(t)) {
			continue
		}
		seen.Set(uint(t))
		if c.parent[t] == NotVisited {
			continue
		}
		path := []graph.ObjID{t}
		for p := c.parent[t]; p != NoParent; p = c.parent[p] {
			path = append(path, p)
		}
		out = append(out, path)
	}
	return out
}
