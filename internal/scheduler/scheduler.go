package scheduler

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Executor runs a fixed list of jobs with at most BatchSize workers active
// at once. Jobs are admitted in input order.
type Executor[J any] struct {
	name    string
	jobs    []J
	factory Factory[J]
	batch   int
	skip    func(J) bool
	onSkip  func(J)

	sem *semaphore.Weighted

	started  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// stats (atomic) for observability
	admitted atomic.Int64
	skipped  atomic.Int64
	finished atomic.Int64
	active   atomic.Int64
	peak     atomic.Int64
}

// New creates an executor. A BatchSize below 1 is treated as 1.
func New[J any](jobs []J, factory Factory[J], opts Options[J]) *Executor[J] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Name == "" {
		opts.Name = "executor"
	}
	return &Executor[J]{
		name:    opts.Name,
		jobs:    jobs,
		factory: factory,
		batch:   opts.BatchSize,
		skip:    opts.Skip,
		onSkip:  opts.OnSkip,
		sem:     semaphore.NewWeighted(int64(opts.BatchSize)),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run admits every job and returns once all admitted workers finished.
// It returns early, still waiting for active workers, when Stop is called
// or ctx is cancelled. Run may only be called once.
func (e *Executor[J]) Run(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	defer close(e.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Debugf("%s: admitting %d jobs (batch size %d)", e.name, len(e.jobs), e.batch)

	var wg sync.WaitGroup
	for _, j := range e.jobs {
		if e.stopped.Load() {
			break
		}
		// blocks until fewer than batch workers are active
		if err := e.sem.Acquire(ctx, 1); err != nil {
			break
		}
		if e.stopped.Load() || ctx.Err() != nil {
			e.sem.Release(1)
			break
		}

		if e.skip != nil && e.skip(j) {
			e.sem.Release(1)
			e.skipped.Inc()
			if e.onSkip != nil {
				e.onSkip(j)
			}
			continue
		}

		w := e.factory(j)
		e.admitted.Inc()
		e.markActive()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)
			defer e.markFinished()
			w.Run(ctx)
		}()
	}

	wg.Wait()
	log.Debugf("%s: drained (admitted=%d skipped=%d stopped=%t)",
		e.name, e.admitted.Load(), e.skipped.Load(), e.stopped.Load())
}

func (e *Executor[J]) markActive() {
	n := e.active.Inc()
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (e *Executor[J]) markFinished() {
	e.active.Dec()
	e.finished.Inc()
}

// Stop abandons remaining admissions and cancels every active worker.
// With block set it waits for Run to return; if Run was never started it
// returns immediately.
func (e *Executor[J]) Stop(block bool) {
	e.stopped.Store(true)
	e.stopOnce.Do(func() { close(e.stopCh) })
	if block && e.started.Load() {
		<-e.done
	}
}

// Stopped reports whether Stop was called.
func (e *Executor[J]) Stopped() bool {
	return e.stopped.Load()
}

// Done is closed when Run returns.
func (e *Executor[J]) Done() <-chan struct{} {
	return e.done
}

func (e *Executor[J]) Stats() Stats {
	return Stats{
		Admitted:   e.admitted.Load(),
		Skipped:    e.skipped.Load(),
		Finished:   e.finished.Load(),
		Active:     e.active.Load(),
		PeakActive: e.peak.Load(),
	}
}
