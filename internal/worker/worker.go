package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"nestsub/internal/logger"
	"nestsub/internal/metrics"
)

// ErrPanic marks a delivery whose handler panicked.
var ErrPanic = errors.New("handler panic")

// Delivery is one transport message queued for a worker.
type Delivery interface {
	Data() []byte
	// Ack marks the message acknowledged; the transport settles it in Done.
	Ack()
	// Done is called exactly once with the handler result.
	Done(err error)
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery) error

// Pool manages a pool of workers that hand deliveries to the dispatcher
type Pool struct {
	handler    Handler
	deliveries chan Delivery
	workers    int

	wg     sync.WaitGroup
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	released  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Handler    Handler
	Deliveries chan Delivery
	Workers    int
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Deliveries == nil {
		cfg.Deliveries = make(chan Delivery, 100)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		handler:    cfg.Handler,
		deliveries: cfg.Deliveries,
		workers:    cfg.Workers,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Deliveries is the queue transports feed. The feeding side closes it.
func (p *Pool) Deliveries() chan<- Delivery {
	return p.deliveries
}

// Start begins processing deliveries
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("queue_capacity", cap(p.deliveries)).
		Msg("starting worker pool")

	metrics.WorkerQueueCapacity.Set(float64(cap(p.deliveries)))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()
}

// Done is closed once every worker has exited, which happens after the
// delivery queue is closed and drained.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Stop cancels in-flight handlers and waits for all workers. Deliveries
// still queued are released to their transport unprocessed.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker processes deliveries from the channel
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		select {
		case <-p.ctx.Done():
			p.release()
			return

		case d, ok := <-p.deliveries:
			if !ok {
				return
			}
			metrics.WorkerQueueSize.Set(float64(len(p.deliveries)))
			p.process(id, d)
		}
	}
}

// process runs the handler for one delivery and settles it.
func (p *Pool) process(id int, d Delivery) {
	err := p.run(id, d)
	d.Done(err)

	if err != nil {
		p.failed.Add(1)
		metrics.WorkerFailedTotal.Inc()
		return
	}
	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
}

func (p *Pool) run(id int, d Delivery) (err error) {
	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log := logger.WithComponent("worker")
			log.Error().
				Int("worker_id", id).
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return p.handler(p.ctx, d)
}

// release hands queued deliveries back without processing them.
func (p *Pool) release() {
	for {
		select {
		case d, ok := <-p.deliveries:
			if !ok {
				return
			}
			d.Done(context.Canceled)
			p.released.Add(1)
		default:
			return
		}
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Released:  p.released.Load(),
		Queued:    len(p.deliveries),
		Capacity:  cap(p.deliveries),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Released  uint64 `json:"released"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
}
