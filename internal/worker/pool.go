package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"schedflow/internal/scheduler"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Executor runs one fired trigger to completion.
type Executor interface {
	Execute(ctx context.Context, f scheduler.Fire)
}

type ExecutorFunc func(ctx context.Context, f scheduler.Fire)

func (fn ExecutorFunc) Execute(ctx context.Context, f scheduler.Fire) { fn(ctx, f) }

type Options struct {
	Workers   int
	QueueSize int
	// RatePerSec caps outbound executions per second across all workers. Zero disables it.
	RatePerSec float64
	Burst      int
	Logger     *zerolog.Logger
}

type Stats struct {
	Workers  int    `json:"workers"`
	Queued   int    `json:"queued"`
	Busy     int64  `json:"busy"`
	Executed uint64 `json:"executed"`
	Dropped  uint64 `json:"dropped"`
}

// Pool decouples trigger callbacks from dispatch: fires are queued and
// executed by a fixed set of workers.
type Pool struct {
	exec    Executor
	queue   chan scheduler.Fire
	workers int
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.Mutex // orders worker start against Stop
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	// execCtx outlives Run's context so in-flight work can finish during Stop.
	execCtx    context.Context
	execCancel context.CancelFunc

	busy     atomic.Int64
	executed atomic.Uint64
	dropped  atomic.Uint64
}

func NewPool(exec Executor, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	var lim *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		exec:       exec,
		queue:      make(chan scheduler.Fire, opts.QueueSize),
		workers:    opts.Workers,
		limiter:    lim,
		log:        lg.With().Str("component", "worker").Logger(),
		stop:       make(chan struct{}),
		execCtx:    ctx,
		execCancel: cancel,
	}
}

// Run starts the workers and blocks until ctx is done or Stop is called.
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	select {
	case <-p.stop:
		p.mu.Unlock()
		return
	default:
	}
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	p.mu.Unlock()
	p.log.Info().Int("workers", p.workers).Int("queue_size", cap(p.queue)).Msg("worker pool started")
	select {
	case <-ctx.Done():
		p.shutdown()
	case <-p.stop:
	}
}

func (p *Pool) loop(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case f := <-p.queue:
			// select picks randomly among ready cases; a stopped pool takes nothing new.
			if p.stopping() {
				p.dropped.Add(1)
				return
			}
			p.run(n, f)
		}
	}
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *Pool) run(n int, f scheduler.Fire) {
	if p.limiter != nil {
		if err := p.limiter.Wait(p.execCtx); err != nil {
			p.dropped.Add(1)
			p.log.Warn().Err(err).Str("task_id", f.TaskID).Msg("rate wait aborted; fire dropped")
			return
		}
	}
	p.busy.Add(1)
	defer func() {
		p.busy.Add(-1)
		p.executed.Add(1)
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Int("worker", n).Str("task_id", f.TaskID).Msg("executor panicked")
		}
	}()
	p.exec.Execute(p.execCtx, f)
}

// Submit queues f, blocking while the queue is full. It fails once the pool
// is stopping or ctx ends.
func (p *Pool) Submit(ctx context.Context, f scheduler.Fire) error {
	select {
	case <-p.stop:
		return ErrPoolStopped
	default:
	}
	select {
	case p.queue <- f:
		return nil
	case <-p.stop:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.stop) })
}

// Close stops accepting fires without waiting. Blocked Submit calls return
// ErrPoolStopped and idle workers exit; running executions carry on until Stop.
func (p *Pool) Close() { p.shutdown() }

// Stop stops accepting fires and waits for running executions. When ctx
// expires first, running executions are cancelled. Queued fires are dropped;
// their tasks stay PENDING and are re-registered on the next start.
func (p *Pool) Stop(ctx context.Context) error {
	p.shutdown()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.execCancel()
		<-done
	}
	p.execCancel()

	left := len(p.queue)
	for len(p.queue) > 0 {
		<-p.queue
	}
	if left > 0 {
		p.dropped.Add(uint64(left))
	}
	p.log.Info().Int("dropped_queued", left).Msg("worker pool stopped")
	return err
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:  p.workers,
		Queued:   len(p.queue),
		Busy:     p.busy.Load(),
		Executed: p.executed.Load(),
		Dropped:  p.dropped.Load(),
	}
}
