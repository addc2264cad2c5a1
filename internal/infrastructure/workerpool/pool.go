package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Task is one unit of document work.
type Task func(ctx context.Context)

// Observer receives pool occupancy changes. Implemented by metrics.WorkerMetrics.
type Observer interface {
	ObservePool(name string, queueDepth, inFlight int)
	RecordRejected(name string)
}

// Status reports a pool's current state.
type Status struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	InFlight   int    `json:"in_flight"`
	QueueDepth int    `json:"queue_depth"`
	Delayed    int    `json:"delayed"`
	Capacity   int    `json:"capacity"`
}

// Config configures a new Pool.
type Config struct {
	Name      string
	Logger    *slog.Logger
	Workers   int // default 10
	QueueSize int // default 100
	Observer  Observer
}

// Pool runs tasks on a fixed set of workers fed by one bounded queue.
// Submit never blocks: a full queue is reported as domain.ErrQueueFull.
type Pool struct {
	name     string
	logger   *slog.Logger
	workers  int
	queue    chan Task
	observer Observer

	inFlight    atomic.Int32
	delayed     atomic.Int32
	outstanding atomic.Int64

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool

	wg sync.WaitGroup
}

func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "documents"
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 10
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	return &Pool{
		name:     name,
		logger:   logger.With("pool", name, "workers", workers),
		workers:  workers,
		queue:    make(chan Task, queueSize),
		observer: cfg.Observer,
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Start launches the workers and blocks until ctx is cancelled and every
// in-flight task has returned. Queued tasks not yet picked up are dropped.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("pool starting", "capacity", cap(p.queue))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	<-ctx.Done()
	p.stop()
	p.wg.Wait()
	p.logger.Info("pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.queue:
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	p.inFlight.Add(1)
	p.observe()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker_id", id, "panic", fmt.Sprint(r))
		}
		p.inFlight.Add(-1)
		p.outstanding.Add(-1)
		p.observe()
	}()
	task(ctx)
}

// Submit queues task for execution.
func (p *Pool) Submit(task func(context.Context)) error {
	if task == nil {
		return domain.WrapError(domain.ErrInvalidInput, "submit task", fmt.Errorf("nil task"))
	}
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return domain.WrapError(domain.ErrQueueFull, "submit task", fmt.Errorf("pool %s stopped", p.name))
	}

	p.outstanding.Add(1)
	select {
	case p.queue <- task:
		p.observe()
		return nil
	default:
		p.outstanding.Add(-1)
		p.logger.Warn("pool queue full", "queue_len", len(p.queue))
		if p.observer != nil {
			p.observer.RecordRejected(p.name)
		}
		return domain.WrapError(domain.ErrQueueFull, "submit task", fmt.Errorf("pool %s", p.name))
	}
}

// SubmitAfter queues task once delay has elapsed. If the queue is full at
// that moment the submission is re-armed with the same delay.
func (p *Pool) SubmitAfter(delay time.Duration, task func(context.Context)) {
	if task == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.logger.Warn("delayed task dropped, pool stopped")
		return
	}
	p.outstanding.Add(1)
	p.delayed.Add(1)

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, timer)
		p.mu.Unlock()
		p.delayed.Add(-1)
		defer p.outstanding.Add(-1)

		if err := p.Submit(task); err != nil {
			if p.isStopped() {
				return
			}
			p.logger.Warn("delayed task requeued", "delay_ms", delay.Milliseconds(), "error", err)
			p.SubmitAfter(delay, task)
		}
	})
	p.timers[timer] = struct{}{}
}

// Drain waits until nothing is queued, delayed or running.
func (p *Pool) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.outstanding.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) Status() Status {
	return Status{
		Name:       p.name,
		Workers:    p.workers,
		InFlight:   int(p.inFlight.Load()),
		QueueDepth: len(p.queue),
		Delayed:    int(p.delayed.Load()),
		Capacity:   cap(p.queue),
	}
}

func (p *Pool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for timer := range p.timers {
		if timer.Stop() {
			p.delayed.Add(-1)
			p.outstanding.Add(-1)
		}
		delete(p.timers, timer)
	}
}

func (p *Pool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Pool) observe() {
	if p.observer == nil {
		return
	}
	p.observer.ObservePool(p.name, len(p.queue), int(p.inFlight.Load()))
}
