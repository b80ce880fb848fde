// Package pool runs matching jobs across a fixed set of workers over a
// bounded queue. Every job executes inside the supervisor's panic boundary,
// so one poisoned record costs a failure count, not the process.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/supervise"
)

var (
	ErrClosed    = eris.New("pool: closed to new jobs")
	ErrQueueFull = eris.New("pool: queue full")
)

// Result is one job outcome, tagged with the job id. Results arrive in
// completion order, not submission order. A job that panicked or was refused
// by the supervisor reports Err and a zero Value.
type Result[T any] struct {
	JobID string
	Value T
	Err   error
}

// Options tunes the pool.
type Options struct {
	Workers   int    // default 4
	QueueSize int    // default 64
	Component string // failure-event component label, default "pool"
}

type job[T any] struct {
	id string
	fn func(context.Context) (T, error)
}

// Pool is a fixed-size worker pool. Workers check for cancellation between
// jobs only; an in-flight job always runs to completion.
type Pool[T any] struct {
	opts    Options
	sup     *supervise.Supervisor
	log     *zap.Logger
	runCtx  context.Context
	drain   context.Context
	stop    context.CancelFunc
	jobs    chan job[T]
	results chan Result[T]
	done    chan struct{} // closed once the first Shutdown finishes draining

	// mu guards closed and is held across every send on jobs, so Shutdown
	// can never close the queue out from under a blocked sender.
	mu     sync.Mutex
	closed bool

	wg        sync.WaitGroup
	abandoned atomic.Int64
}

// New starts the workers immediately. ctx is the run context; when the
// supervisor aborts the run, queued jobs are skipped and counted as
// abandoned.
func New[T any](ctx context.Context, sup *supervise.Supervisor, log *zap.Logger, opts Options) *Pool[T] {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Component == "" {
		opts.Component = "pool"
	}
	if log == nil {
		log = zap.NewNop()
	}

	drain, stop := context.WithCancel(context.Background())
	p := &Pool[T]{
		opts:    opts,
		sup:     sup,
		log:     log,
		runCtx:  ctx,
		drain:   drain,
		stop:    stop,
		jobs:    make(chan job[T], opts.QueueSize),
		results: make(chan Result[T], opts.QueueSize),
		done:    make(chan struct{}),
	}

	p.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a job, blocking while the queue is full. It fails once the
// pool is shut down or ctx is cancelled. A Submit blocked on a full queue
// holds the intake lock, which delays a concurrent Shutdown until the send
// lands; workers keep draining the queue regardless, so the wait is bounded.
func (p *Pool[T]) Submit(ctx context.Context, id string, fn func(context.Context) (T, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.jobs <- job[T]{id: id, fn: fn}:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pool: submit")
	}
}

// TrySubmit enqueues a job without blocking; ErrQueueFull when it cannot.
func (p *Pool[T]) TrySubmit(id string, fn func(context.Context) (T, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.jobs <- job[T]{id: id, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Results is the stream of job outcomes. Closed by Shutdown after the last
// worker exits.
func (p *Pool[T]) Results() <-chan Result[T] { return p.results }

// Abandoned counts queued jobs that were never run.
func (p *Pool[T]) Abandoned() int64 { return p.abandoned.Load() }

// Shutdown stops intake and drains in-flight work. The ctx deadline bounds
// the grace period: once it expires, still-queued jobs are abandoned and
// counted instead of run. Returns the abandoned count. Shutdown is
// idempotent; a second call waits for the first drain and returns the same
// count.
func (p *Pool[T]) Shutdown(ctx context.Context) int64 {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return p.abandoned.Load()
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		p.log.Warn("shutdown grace period expired, abandoning queued jobs",
			zap.Int64("queued", int64(len(p.jobs))))
		p.stop()
		<-drained
	}

	p.stop()
	close(p.results)
	close(p.done)
	return p.abandoned.Load()
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for jb := range p.jobs {
		// Cancellation is only observed here, between jobs.
		if p.runCtx.Err() != nil || p.drain.Err() != nil {
			p.abandoned.Add(1)
			continue
		}

		p.run(jb)
	}
}

func (p *Pool[T]) run(jb job[T]) {
	var value T
	failure, err := p.sup.RunGuarded(p.opts.Component, jb.id, func() error {
		v, err := jb.fn(p.runCtx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if failure != nil {
		// Panic already captured and counted; surface it as a job error.
		err = eris.Errorf("pool: job %s panicked: %v", jb.id, failure.PanicValue)
	}

	p.results <- Result[T]{JobID: jb.id, Value: value, Err: err}
}
