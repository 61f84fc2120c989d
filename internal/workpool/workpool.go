// ABOUTME: Generic work-stealing pool: per-worker deques run under an errgroup
// ABOUTME: Tasks fork onto their own deque and idle workers steal from the top of others

// Package workpool runs small tasks on a fixed set of goroutines that steal
// work from each other.
//
// Each worker owns a deque: tasks it forks go to the bottom and it pops from
// the bottom, while idle workers steal from the top of other deques. A pool
// completes when the number of pending tasks drops to zero.
package workpool

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Func processes one item. fork schedules another item on the calling
// worker's deque; it must only be called from within Func.
type Func[T any] func(ctx context.Context, item T, fork func(T))

// Pool is a work-stealing pool for one batch of work. It is not reusable
// once Run returns.
type Pool[T any] struct {
	fn      Func[T]
	deques  []*deque[T]
	pending atomic.Int64
	rr      atomic.Uint32
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New creates a pool with the given number of workers (at least one)
func New[T any](workers int, fn Func[T]) *Pool[T] {
	workers = max(workers, 1)
	p := &Pool[T]{
		fn:     fn,
		deques: make([]*deque[T], workers),
		wake:   make(chan struct{}, workers),
		done:   make(chan struct{}),
	}
	for i := range p.deques {
		p.deques[i] = &deque[T]{}
	}
	return p
}

// Workers returns the number of workers
func (p *Pool[T]) Workers() int { return len(p.deques) }

// Submit queues an item from outside the pool, spreading items round-robin
// over the worker deques.
func (p *Pool[T]) Submit(item T) {
	i := int(p.rr.Add(1)-1) % len(p.deques)
	p.push(i, item)
}

// Pending returns the number of queued or running items
func (p *Pool[T]) Pending() int64 { return p.pending.Load() }

// Run starts the workers and blocks until every item, including forked
// ones, has been processed or ctx is done. Workers have exited when Run
// returns. Once ctx is done queued items are abandoned and ctx.Err() is
// returned, even if the pool drained.
func (p *Pool[T]) Run(ctx context.Context) error {
	if p.pending.Load() == 0 {
		p.finish()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.deques {
		g.Go(func() error {
			p.work(gctx, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// a task that saw ctx done may have dropped work and still drained the
	// pool, so done alone does not mean the batch completed
	return ctx.Err()
}

func (p *Pool[T]) push(i int, item T) {
	p.pending.Add(1)
	p.deques[i].pushBottom(item)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool[T]) finish() {
	p.once.Do(func() { close(p.done) })
}

func (p *Pool[T]) work(ctx context.Context, self int) {
	own := p.deques[self]
	fork := func(item T) { p.push(self, item) }

	for {
		if ctx.Err() != nil {
			return
		}

		item, ok := own.popBottom()
		if !ok {
			item, ok = p.steal(self)
		}
		if !ok {
			select {
			case <-p.done:
				return
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}

		p.fn(ctx, item, fork)
		if p.pending.Add(-1) == 0 {
			p.finish()
		}
	}
}

func (p *Pool[T]) steal(self int) (T, bool) {
	n := len(p.deques)
	for k := 1; k < n; k++ {
		if item, ok := p.deques[(self+k)%n].stealTop(); ok {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// deque is a mutex-guarded double-ended queue; the owner works the bottom,
// thieves take from the top
type deque[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

func (d *deque[T]) pushBottom(item T) {
	d.mu.Lock()
	d.items = append(d.items, item)
	d.mu.Unlock()
}

func (d *deque[T]) popBottom() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	if len(d.items) == d.head {
		return zero, false
	}
	last := len(d.items) - 1
	item := d.items[last]
	d.items[last] = zero
	d.items = d.items[:last]
	d.reset()
	return item, true
}

func (d *deque[T]) stealTop() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	if len(d.items) == d.head {
		return zero, false
	}
	item := d.items[d.head]
	d.items[d.head] = zero
	d.head++
	d.reset()
	return item, true
}

// reset reclaims the slice once the deque drains; caller holds mu
func (d *deque[T]) reset() {
	switch {
	case d.head == len(d.items):
		d.items = d.items[:0]
		d.head = 0
	case d.head > 1024 && 2*d.head > len(d.items):
		n := copy(d.items, d.items[d.head:])
		clear(d.items[n:])
		d.items = d.items[:n]
		d.head = 0
	}
}
