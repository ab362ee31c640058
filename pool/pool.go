// Package pool implements the Async Process Pool: spec.md's "separate
// processes" dispatch model, rendered as idiomatic Go — a bounded set of
// OS-thread-pinned compute-worker goroutines plus a set of named I/O
// worker goroutines, a handler registry, and the counter/event/result-map
// coordination primitives the minor-cycle loop uses to farm out and await
// per-facet work (spec.md §4.6).
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/wscms/wscms/config"
)

// ErrWorkerDied is returned by AwaitJobResults once a worker's done channel
// has closed unexpectedly (spec.md §7: fatal, the pool cannot recover).
var ErrWorkerDied = errors.New("pool: a worker goroutine died")

// Args is the argument bag passed to a Handler.
type Args map[string]any

// Handler processes a Job's Args and returns a value or error. A panicking
// Handler is recovered by the worker loop and turned into a failed Result
// (spec.md §4.6/§7): the pool itself never crashes.
type Handler func(ctx context.Context, args Args) (any, error)

// Job is one unit of work: a stable ID (used for AwaitJobResults pattern
// matching), the registered Handler name to invoke, its arguments, and an
// optional Queue naming which I/O worker should run it (empty means any
// compute worker).
type Job struct {
	ID      string
	Handler string
	Args    Args
	Queue   string
}

// Result is a Job's outcome.
type Result struct {
	JobID string
	Value any
	Err   error
}

// HandlerRegistry maps a stable handler name to its implementation,
// registered before Start.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry returns an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

// Register binds name to h. Registering the same name twice overwrites the
// previous handler.
func (r *HandlerRegistry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *HandlerRegistry) lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Pool is the Async Process Pool: a fixed compute-worker group plus named
// I/O worker queues, a shared result channel, and the coordination
// primitives (Counters, Events, ResultMap) jobs use to signal completion.
type Pool struct {
	Handlers *HandlerRegistry
	Counters *CounterPool
	Events   *EventRegistry
	Results  *ResultMap

	cfg             config.ParallelConfig
	nComputeWorkers int

	computeJobs chan Job
	ioJobs      map[string]chan Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workerDone   []chan struct{}
	ioWorkerDone map[string]chan struct{}

	startOnce    sync.Once
	shutdownOnce sync.Once

	nextJobID atomic.Uint64

	log *logrus.Entry
}

// newJobID generates a pool-unique fallback ID for a Job submitted without
// one.
func (p *Pool) newJobID() string {
	return fmt.Sprintf("job-%d", p.nextJobID.Add(1))
}

// New builds a Pool with nComputeWorkers compute workers and one I/O
// worker per name in ioQueues. Call Start to launch the worker goroutines.
func New(cfg config.ParallelConfig, nComputeWorkers int, ioQueues []string) *Pool {
	if nComputeWorkers <= 0 {
		nComputeWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		Handlers:        NewHandlerRegistry(),
		Counters:        NewCounterPool(),
		Events:          NewEventRegistry(),
		Results:         NewResultMap(),
		cfg:             cfg,
		nComputeWorkers: nComputeWorkers,
		computeJobs:     make(chan Job, nComputeWorkers*4),
		ioJobs:          map[string]chan Job{},
		ctx:             ctx,
		cancel:          cancel,
		workerDone:      make([]chan struct{}, nComputeWorkers),
		ioWorkerDone:    map[string]chan struct{}{},
		log:             logrus.WithField("component", "pool"),
	}
	for _, q := range ioQueues {
		p.ioJobs[q] = make(chan Job, 16)
	}
	return p
}

// Start launches the compute and I/O worker goroutines. Calling Start more
// than once is a no-op.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		nCPU := p.cfg.NCPU
		if nCPU <= 0 {
			nCPU = currentNumCPU()
		}
		for i := 0; i < p.nComputeWorkers; i++ {
			p.workerDone[i] = make(chan struct{})
			p.wg.Add(1)
			go p.runComputeWorker(i, nCPU)
		}
		for name, ch := range p.ioJobs {
			done := make(chan struct{})
			p.ioWorkerDone[name] = done
			p.wg.Add(1)
			go p.runIOWorker(name, ch, done)
		}
	})
}

func (p *Pool) runComputeWorker(idx, nCPU int) {
	defer p.wg.Done()
	defer close(p.workerDone[idx])

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := applyAffinity(cpuSet(p.cfg.Affinity, idx, nCPU)); err != nil {
		p.log.WithError(err).Debugf("compute worker %d: affinity pinning unavailable", idx)
	}

	for {
		select {
		case job, ok := <-p.computeJobs:
			if !ok {
				return
			}
			p.runJob(job)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) runIOWorker(name string, jobs chan Job, done chan struct{}) {
	defer p.wg.Done()
	defer close(done)
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return
			}
			p.runJob(job)
		case <-p.ctx.Done():
			return
		}
	}
}

// runJob invokes job's registered handler, recovering a panic into a
// failed Result so a single bad handler can never take the pool down.
func (p *Pool) runJob(job Job) {
	result := Result{JobID: job.ID}
	if err := p.ctx.Err(); err != nil {
		result.Err = err
		p.Results.Complete(result)
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Err = fmt.Errorf("pool: handler %q panicked: %v", job.Handler, r)
			}
		}()
		h, ok := p.Handlers.lookup(job.Handler)
		if !ok {
			result.Err = fmt.Errorf("pool: unknown handler %q", job.Handler)
			return
		}
		v, err := h(p.ctx, job.Args)
		result.Value, result.Err = v, err
	}()
	p.Results.Complete(result)
}

// RunJob submits job to the shared compute queue (or the named I/O queue
// if job.Queue is set) and returns immediately; await its outcome with
// AwaitJobResults.
func (p *Pool) RunJob(job Job) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = p.newJobID()
	}
	p.Results.MarkPending(job.ID)

	if job.Queue == "" {
		select {
		case p.computeJobs <- job:
			return nil
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
	ch, ok := p.ioJobs[job.Queue]
	if !ok {
		return fmt.Errorf("pool: unknown I/O queue %q", job.Queue)
	}
	select {
	case ch <- job:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// RunSerial executes job inline in the caller's goroutine, bypassing the
// worker pool entirely — used for debugging, with identical Result
// semantics to the async path.
func (p *Pool) RunSerial(job Job) Result {
	if job.ID == "" {
		job.ID = p.newJobID()
	}
	result := Result{JobID: job.ID}
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Err = fmt.Errorf("pool: handler %q panicked: %v", job.Handler, r)
			}
		}()
		h, ok := p.Handlers.lookup(job.Handler)
		if !ok {
			result.Err = fmt.Errorf("pool: unknown handler %q", job.Handler)
			return
		}
		v, err := h(p.ctx, job.Args)
		result.Value, result.Err = v, err
	}()
	return result
}

// AwaitJobResults blocks until every pending job whose ID matches one of
// patterns (glob-style, via path.Match) has completed, then returns their
// results. It first checks worker liveness so a dead worker surfaces as
// ErrWorkerDied instead of hanging forever.
func (p *Pool) AwaitJobResults(ctx context.Context, patterns []string) ([]Result, error) {
	if dead := p.deadWorker(); dead {
		p.Results.Fail(ErrWorkerDied)
		return nil, ErrWorkerDied
	}

	type awaitOutcome struct {
		results []Result
		err     error
	}
	out := make(chan awaitOutcome, 1)
	go func() {
		r, err := p.Results.AwaitJobResults(patterns)
		out <- awaitOutcome{r, err}
	}()

	select {
	case o := <-out:
		return o.results, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deadWorker reports whether any compute or I/O worker's done channel has
// already closed while the pool is still running (i.e. it exited without
// Shutdown/Terminate being called).
func (p *Pool) deadWorker() bool {
	select {
	case <-p.ctx.Done():
		return false // an orderly shutdown/terminate is in progress, not a crash
	default:
	}
	for _, done := range p.workerDone {
		select {
		case <-done:
			return true
		default:
		}
	}
	for _, done := range p.ioWorkerDone {
		select {
		case <-done:
			return true
		default:
		}
	}
	return false
}

// Shutdown closes the job queues and waits for every worker to drain and
// exit. Idempotent.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.computeJobs)
		for _, ch := range p.ioJobs {
			close(ch)
		}
		p.wg.Wait()
	})
}

// Terminate cancels the pool's shared context immediately, with no grace
// period: workers mid-job finish that job (recover still applies) but
// start no further handler; a job still queued is completed as a failed
// Result carrying the context error, and RunJob rejects new jobs.
func (p *Pool) Terminate() {
	p.cancel()
}
