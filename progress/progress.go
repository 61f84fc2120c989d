// ABOUTME: Progress reporting and cooperative cancellation for long traversals
// ABOUTME: Defines the Listener contract, ErrCanceled and the shared Check checkpoint

// Package progress carries progress reports out of, and cancellation into,
// the marking and path computations.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrCanceled is returned by a top-level traversal that observed cancellation.
// Any partially written output of that traversal is invalid.
var ErrCanceled = errors.New("operation canceled")

// Listener receives progress and is polled for cancellation.
// Worked may be called from several goroutines at once.
type Listener interface {
	BeginTask(label string, total int)
	Worked(n int)
	IsCanceled() bool
	Done()
}

// Check returns ErrCanceled when either ctx is done or l reports cancellation
func Check(ctx context.Context, l Listener) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if l != nil && l.IsCanceled() {
		return ErrCanceled
	}
	return nil
}

// Nop ignores progress and is never canceled
var Nop Listener = nopListener{}

type nopListener struct{}

func (nopListener) BeginTask(string, int) {}
func (nopListener) Worked(int)            {}
func (nopListener) IsCanceled() bool      { return false }
func (nopListener) Done()                 {}

// Cancelable is a Listener whose cancellation is raised by Cancel
type Cancelable struct {
	canceled atomic.Bool
}

// NewCancelable returns a listener that is canceled once Cancel is called
func NewCancelable() *Cancelable {
	return &Cancelable{}
}

// Cancel raises the cancellation signal
func (c *Cancelable) Cancel() { c.canceled.Store(true) }

func (c *Cancelable) BeginTask(string, int) {}
func (c *Cancelable) Worked(int)            {}
func (c *Cancelable) IsCanceled() bool      { return c.canceled.Load() }
func (c *Cancelable) Done()                 {}

// Counting records what it is told; useful to assert on reporting cadence
type Counting struct {
	mu     sync.Mutex
	Label  string
	Total  int
	Begun  int
	Ended  int
	worked atomic.Int64
}

func (c *Counting) BeginTask(label string, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Label = label
	c.Total = total
	c.Begun++
}

func (c *Counting) Worked(n int) { c.worked.Add(int64(n)) }

func (c *Counting) IsCanceled() bool { return false }

func (c *Counting) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ended++
}

// WorkedTotal returns the sum of all Worked calls
func (c *Counting) WorkedTotal() int { return int(c.worked.Load()) }

// Logging reports progress through slog every `every` units of work
type Logging struct {
	logger *slog.Logger
	every  int64
	label  atomic.Value
	total  atomic.Int64
	done   atomic.Int64
	next   atomic.Int64
}

// NewLogging returns a listener that logs at Info each time another `every`
// units complete. every <= 0 logs only begin and end.
func NewLogging(logger *slog.Logger, every int) *Logging {
	l := &Logging{logger: logger, every: int64(every)}
	l.label.Store("")
	return l
}

func (l *Logging) BeginTask(label string, total int) {
	l.label.Store(label)
	l.total.Store(int64(total))
	l.done.Store(0)
	l.next.Store(l.every)
	l.logger.Info("task started", "task", label, "total", total)
}

func (l *Logging) Worked(n int) {
	done := l.done.Add(int64(n))
	if l.every <= 0 {
		return
	}
	next := l.next.Load()
	if done >= next && l.next.CompareAndSwap(next, done+l.every) {
		l.logger.Info("task progress", "task", l.label.Load(), "worked", done, "total", l.total.Load())
	}
}

func (l *Logging) IsCanceled() bool { return false }

func (l *Logging) Done() {
	l.logger.Info("task done", "task", l.label.Load(), "worked", l.done.Load())
}
