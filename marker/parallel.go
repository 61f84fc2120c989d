// ABOUTME: Parallel marking: visit tasks on a work-stealing pool sharing one atomic bit field
// ABOUTME: Shallow levels run inline, deeper ones are forked; each root subtree is joined by a counter

package marker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/prateek/heapreach/graph"
	"github.com/prateek/heapreach/internal/bitfield"
	"github.com/prateek/heapreach/internal/workpool"
	"github.com/prateek/heapreach/metrics"
	"github.com/prateek/heapreach/progress"
)

// subtree joins all tasks spawned under one root
type subtree struct {
	pending atomic.Int64
}

type visit struct {
	id   graph.ObjID
	root *subtree
}

// parallelRun is the shared state of one MarkMultiThreaded call
type parallelRun struct {
	m      *Marker
	bits   *bitfield.Concurrent
	marked atomic.Int64
	forked atomic.Int64
	cancel context.CancelFunc
}

// MarkMultiThreaded marks with threads workers. Every object is claimed by
// a single compare-and-swap on a shared bit field and only the claiming
// worker visits its children. The call returns after all workers have
// exited, with the result copied into the caller's bits.
func (m *Marker) MarkMultiThreaded(ctx context.Context, threads int) (int, error) {
	return m.run(ctx, MultiThreaded, func(ctx context.Context) (int, error) {
		return m.parallel(ctx, max(threads, 1))
	})
}

func (m *Marker) parallel(ctx context.Context, threads int) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &parallelRun{
		m:      m,
		bits:   bitfield.FromBools(m.bits),
		cancel: cancel,
	}
	pool := workpool.New[visit](threads, r.task)

	claimed := 0
	for _, root := range m.roots {
		if r.bits.TrySet(int(root)) {
			st := &subtree{}
			st.pending.Store(1)
			pool.Submit(visit{id: root, root: st})
			claimed++
		}
	}
	r.marked.Store(int64(claimed))

	m.listener.BeginTask(taskLabel, claimed)
	err := pool.Run(ctx)
	metrics.TasksForked.Add(float64(r.forked.Load()))

	count := int(r.marked.Load())
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return count, err
	}
	// visit drops its subtree once ctx is done, so the pool can drain cleanly
	// with bits missing; any cancellation voids the result
	if m.listener.IsCanceled() {
		return count, progress.ErrCanceled
	}
	if err := progress.Check(ctx, m.listener); err != nil {
		return count, err
	}

	r.bits.CopyInto(m.bits)
	m.listener.Done()
	return count, nil
}

func (r *parallelRun) task(ctx context.Context, v visit, fork func(visit)) {
	if r.m.listener.IsCanceled() {
		r.cancel()
	} else {
		r.visit(ctx, v.id, 0, v.root, fork)
	}
	if v.root.pending.Add(-1) == 0 {
		r.m.listener.Worked(1)
	}
}

func (r *parallelRun) visit(ctx context.Context, id graph.ObjID, depth int, root *subtree, fork func(visit)) {
	if ctx.Err() != nil {
		return
	}
	for _, child := range r.m.outbound.Get(id) {
		if !r.bits.TrySet(int(child)) {
			continue
		}
		r.marked.Add(1)
		if depth < r.m.inlineDepth {
			r.visit(ctx, child, depth+1, root, fork)
			continue
		}
		root.pending.Add(1)
		r.forked.Add(1)
		fork(visit{id: child, root: root})
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, progress.ErrCanceled)
}
