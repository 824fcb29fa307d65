// Package gateway runs platform work inside the long-lived gateway context on
// behalf of blocking callers.
//
// The command server handles each request on its own goroutine and has no
// access to the gateway's event loop. Instead of calling the platform
// directly it submits a job with a reply channel to a Runner and waits for
// the answer. The Runner owns a fixed number of worker slots; a blocked
// caller holds one slot for the duration of its job.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultWorkers is the number of concurrent jobs a Runner accepts when
// RunnerOpts.Workers is unset.
const DefaultWorkers = 8

var (
	// ErrRunnerClosed is returned when the runner has stopped (or never
	// started) and cannot accept the job.
	ErrRunnerClosed = errors.New("gateway: runner closed")

	// ErrRunnerCancelled is returned when the runner was shut down while the
	// job was executing.
	ErrRunnerCancelled = errors.New("gateway: runner cancelled")
)

// PanicError reports a job that panicked inside the runner.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("gateway: job panicked: %v", e.Value)
}

type result struct {
	value any
	err   error
}

type job struct {
	ctx   context.Context
	work  func(ctx context.Context) (any, error)
	reply chan result
}

// Runner executes submitted jobs on a fixed pool of worker goroutines bound
// to the lifetime of the context passed to Run.
type Runner struct {
	jobs    chan job
	workers int
	log     zerolog.Logger

	started  atomic.Bool
	closed   chan struct{}
	inFlight atomic.Int64
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	Workers int // defaults to DefaultWorkers
	Logger  zerolog.Logger
}

// NewRunner creates a Runner. Jobs are rejected until Run is called.
func NewRunner(opts RunnerOpts) *Runner {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{
		jobs:    make(chan job),
		workers: workers,
		log:     opts.Logger.With().Str("from", "gateway.runner").Logger(),
		closed:  make(chan struct{}),
	}
}

// Run starts the worker slots and blocks until ctx is cancelled. Jobs still
// executing see a cancelled context; Run waits for them before returning.
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway: runner already started")
	}
	defer close(r.closed)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx)
		}()
	}
	r.log.Debug().Int("workers", r.workers).Msg("runner started")

	<-ctx.Done()
	wg.Wait()
	r.log.Debug().Msg("runner stopped")
	return nil
}

// InFlight reports the number of jobs currently holding a worker slot.
func (r *Runner) InFlight() int {
	return int(r.inFlight.Load())
}

// Done is closed once Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.closed
}

func (r *Runner) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.jobs:
			j.reply <- r.execute(ctx, j)
		}
	}
}

func (r *Runner) execute(runCtx context.Context, j job) (res result) {
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	workCtx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	defer func() {
		if v := recover(); v != nil {
			stack := debug.Stack()
			r.log.Error().Interface("panic", v).Bytes("stack", stack).Msg("job panicked")
			res = result{err: &PanicError{Value: v, Stack: stack}}
		}
	}()

	value, err := j.work(workCtx)
	if err != nil && runCtx.Err() != nil && j.ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", ErrRunnerCancelled, err)
	}
	return result{value: value, err: err}
}

// Do submits work to r and blocks the calling goroutine until the work
// completes, ctx is done, or the runner refuses the job. The work receives a
// context that is cancelled when either ctx or the runner's context ends.
func Do[T any](ctx context.Context, r *Runner, work func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !r.started.Load() {
		return zero, ErrRunnerClosed
	}

	j := job{
		ctx: ctx,
		work: func(ctx context.Context) (any, error) {
			return work(ctx)
		},
		reply: make(chan result, 1),
	}

	select {
	case <-r.closed:
		return zero, ErrRunnerClosed
	default:
	}

	select {
	case r.jobs <- j:
	case <-r.closed:
		return zero, ErrRunnerClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-j.reply:
		if res.err != nil {
			return zero, res.err
		}
		v, _ := res.value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
