// Package dispatch runs blocking engine operations off the caller's thread
// and delivers their outcomes as discrete completion events on a single
// channel. Tasks sharing a key run strictly in submission order; unrelated
// keys run concurrently.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrShutdown is returned by Submit once Shutdown has begun.
var ErrShutdown = errors.New("dispatcher is shut down")

// Task is one unit of background work. It must honor ctx: the dispatcher
// cancels it on Shutdown.
type Task func(ctx context.Context) (any, error)

// Result is one completion event. Exactly one Result is emitted per accepted
// Submit, in per-key submission order.
type Result struct {
	ID      uint64
	Key     string
	Value   any
	Err     error
	Elapsed time.Duration
}

const laneBuffer = 16

type queued struct {
	id   uint64
	task Task
}

// Dispatcher fans submitted tasks out to one worker goroutine per key. The
// results channel has a single consumer, the front-end's event loop; results
// for the same key never reorder.
type Dispatcher struct {
	log     *slog.Logger
	results chan Result

	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint64

	mu      sync.Mutex
	lanes   map[string]chan queued
	closed  bool
	submits sync.WaitGroup // in-flight Submit sends
	wg      sync.WaitGroup // drain goroutines
}

func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:     logger.With("component", "dispatch"),
		results: make(chan Result, laneBuffer),
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]chan queued),
	}
}

// Submit queues a task on its key's lane and returns its completion id.
// Blocks only when the lane's buffer is full, which backpressures a
// runaway submitter instead of growing without bound.
func (d *Dispatcher) Submit(key string, task Task) (uint64, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrShutdown
	}
	lane, ok := d.lanes[key]
	if !ok {
		lane = make(chan queued, laneBuffer)
		d.lanes[key] = lane
		d.wg.Add(1)
		go d.drain(key, lane)
	}
	id := d.nextID.Add(1)
	// Registered under the lock: Shutdown closes lanes only after every
	// registered sender has finished, so the send below can happen outside
	// the lock and a full lane never blocks other keys or shutdown.
	d.submits.Add(1)
	d.mu.Unlock()
	defer d.submits.Done()

	select {
	case lane <- queued{id: id, task: task}:
		return id, nil
	case <-d.ctx.Done():
		return 0, ErrShutdown
	}
}

// Results is the single-consumer completion stream. Closed after Shutdown
// once every in-flight task has reported.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Shutdown stops accepting work, cancels in-flight tasks and waits for them
// to report, bounded by ctx. The results channel closes when the drain
// completes.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	// Cancelling first unblocks submitters stuck on a full lane; they bail
	// out without sending, and only then is closing the lanes safe.
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.submits.Wait()
		d.mu.Lock()
		for _, lane := range d.lanes {
			close(lane)
		}
		d.mu.Unlock()
		d.wg.Wait()
		close(d.results)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) drain(key string, lane chan queued) {
	defer d.wg.Done()
	for q := range lane {
		start := time.Now()
		value, err := q.task(d.ctx)
		elapsed := time.Since(start)
		if err != nil {
			d.log.Debug("task failed", "key", key, "id", q.id, "elapsed", elapsed, "error", err)
		}
		d.results <- Result{ID: q.id, Key: key, Value: value, Err: err, Elapsed: elapsed}
	}
}
