package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nestsub/internal/auth"
	"nestsub/internal/clip"
	"nestsub/internal/config"
	"nestsub/internal/dispatcher"
	"nestsub/internal/gcppubsub"
	"nestsub/internal/handlers"
	"nestsub/internal/kafka"
	"nestsub/internal/logger"
	"nestsub/internal/metrics"
	"nestsub/internal/middleware"
	"nestsub/internal/models"
	"nestsub/internal/natsjs"
	"nestsub/internal/storage"
	"nestsub/internal/worker"
)

// Transport delivers messages until its context is cancelled.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Processor is the high-level coordinator for receiving, dispatching and serving ops endpoints.
type Processor struct {
	cfg    *config.Config
	tokens auth.TokenProvider

	dispatcher     *dispatcher.Dispatcher
	transport      Transport
	transportStats func() interface{}
	workerPool     *worker.Pool
	deliveries     chan worker.Delivery
	pushHandler    *handlers.PushHandler
	httpServer     *http.Server
	wg             sync.WaitGroup
}

// Option configures a Processor.
type Option func(*Processor)

// WithTokenProvider replaces the OAuth provider built from cfg.Auth.
func WithTokenProvider(tp auth.TokenProvider) Option {
	return func(p *Processor) { p.tokens = tp }
}

// WithTransport replaces the transport selected by cfg.Transport.Kind.
func WithTransport(t Transport) Option {
	return func(p *Processor) { p.transport = t }
}

// New constructs a Processor with given config.
func New(cfg *config.Config, opts ...Option) *Processor {
	p := &Processor{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts background goroutines and blocks until ctx is cancelled or the
// transport fails.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Str("transport", p.cfg.Transport.Kind).Msg("processor starting")

	if err := p.init(); err != nil {
		log.Error().Err(err).Msg("failed to initialize processor")
		return err
	}

	listener, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTP.Addr, err)
	}

	if p.workerPool != nil {
		p.workerPool.Start()
	}

	// Start HTTP server in background
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", listener.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stats reporting goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(runCtx)
	}()

	transportErr := make(chan error, 1)
	transportDone := make(chan struct{})
	go func() {
		defer close(transportDone)
		if p.transport == nil {
			<-runCtx.Done()
			return
		}
		if err := p.transport.Start(runCtx); err != nil {
			transportErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-transportErr:
		log.Error().Err(runErr).Msg("transport failed")
	}
	cancel()
	<-transportDone

	p.shutdown()
	return runErr
}

// init builds the dispatch pipeline, the transport and the HTTP server.
func (p *Processor) init() error {
	if err := p.initDispatcher(); err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	if err := p.initTransport(); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	p.initHTTPServer()
	return nil
}

// initDispatcher wires storage, token provider and clip fetcher
func (p *Processor) initDispatcher() error {
	loc, err := p.cfg.Location()
	if err != nil {
		return err
	}

	store := storage.NewFileStore(storage.Config{
		RecordsDir: p.cfg.Storage.RecordsDir,
		ClipsDir:   p.cfg.Storage.ClipsDir,
		Paths:      models.NewPathDeriver(loc),
	})

	if p.tokens == nil {
		p.tokens = auth.NewOAuthProvider(auth.ProviderConfig{
			OAuth2JSON:      p.cfg.Auth.OAuth2JSON,
			TokensJSON:      p.cfg.Auth.TokensJSON,
			TokenURL:        p.cfg.Auth.TokenURL,
			Timeout:         p.cfg.Auth.Timeout,
			BreakerFailures: p.cfg.Auth.BreakerFailures,
			BreakerTimeout:  p.cfg.Auth.BreakerTimeout,
		})
	}

	fetcher := clip.NewFetcher(clip.Config{
		Tokens:        p.tokens,
		Store:         store,
		Timeout:       p.cfg.Clip.Timeout,
		BufferSize:    p.cfg.Clip.BufferSize,
		RatePerSecond: p.cfg.Clip.RatePerSecond,
		Burst:         p.cfg.Clip.Burst,
	})

	p.dispatcher = dispatcher.New(dispatcher.Config{
		Records:     store,
		Clips:       fetcher,
		AckMessages: p.cfg.Dispatch.AckMessages,
	})

	log := logger.WithComponent("processor")
	log.Info().
		Str("records_dir", p.cfg.Storage.RecordsDir).
		Str("clips_dir", p.cfg.Storage.ClipsDir).
		Str("timezone", loc.String()).
		Bool("ack_messages", p.cfg.Dispatch.AckMessages).
		Msg("dispatcher initialized")
	return nil
}

// initTransport builds the configured message source. Kafka and NATS feed
// the worker pool; Pub/Sub and push dispatch on their own goroutines.
func (p *Processor) initTransport() error {
	tc := p.cfg.Transport

	switch tc.Kind {
	case config.TransportKafka, config.TransportNATS:
		p.initWorkerPool()
	}

	if p.transport != nil {
		return nil
	}

	switch tc.Kind {
	case config.TransportPubSub:
		sub, err := gcppubsub.NewSubscriber(gcppubsub.Config{
			Subscription:       tc.PubSub.Subscription,
			ServiceAccountJSON: tc.PubSub.ServiceAccountJSON,
			MaxOutstanding:     tc.PubSub.MaxOutstanding,
			Dispatcher:         p.dispatcher,
		})
		if err != nil {
			return err
		}
		p.transport = sub
		p.transportStats = func() interface{} { return sub.Stats() }

	case config.TransportKafka:
		consumer, err := kafka.NewConsumer(kafka.Config{
			Brokers:    tc.Kafka.Brokers,
			Topic:      tc.Kafka.Topic,
			GroupID:    tc.Kafka.GroupID,
			Deliveries: p.deliveries,
		})
		if err != nil {
			return err
		}
		p.transport = consumer
		p.transportStats = func() interface{} { return consumer.Stats() }

	case config.TransportNATS:
		consumer, err := natsjs.NewConsumer(natsjs.Config{
			URL:              tc.NATS.URL,
			Subject:          tc.NATS.Subject,
			QueueGroup:       tc.NATS.QueueGroup,
			DurableName:      tc.NATS.DurableName,
			AckWait:          tc.NATS.AckWait,
			MaxDeliver:       tc.NATS.MaxDeliver,
			SubscribersCount: tc.Workers,
			Deliveries:       p.deliveries,
		})
		if err != nil {
			return err
		}
		p.transport = consumer
		p.transportStats = func() interface{} { return consumer.Stats() }

	case config.TransportPush:
		// Served by the HTTP server.

	default:
		return fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
	return nil
}

// initWorkerPool initializes the worker pool
func (p *Processor) initWorkerPool() {
	queueSize := p.cfg.Transport.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	p.deliveries = make(chan worker.Delivery, queueSize)
	p.workerPool = worker.NewPool(worker.Config{
		Handler: func(ctx context.Context, d worker.Delivery) error {
			return p.dispatcher.Dispatch(ctx, d)
		},
		Deliveries: p.deliveries,
		Workers:    p.cfg.Transport.Workers,
	})
	log := logger.WithComponent("processor")
	log.Info().
		Int("workers", p.cfg.Transport.Workers).
		Int("queue_size", queueSize).
		Msg("worker pool initialized")
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() {
	mux := http.NewServeMux()

	if p.cfg.Transport.Kind == config.TransportPush {
		p.pushHandler = handlers.NewPushHandler(handlers.PushConfig{
			Dispatcher:  p.dispatcher,
			MaxBodySize: p.cfg.HTTP.MaxBodySize,
		})
		mux.Handle("/push", middleware.Chain(
			p.pushHandler,
			middleware.Recovery,
			middleware.Logging,
		))
		p.transportStats = func() interface{} { return p.pushHandler.Stats() }
	}

	// Health check
	mux.HandleFunc("/health", p.healthHandler)

	// Stats endpoint
	mux.HandleFunc("/stats", p.statsHandler)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Clip downloads can run for the whole clip timeout.
	writeTimeout := p.cfg.Clip.Timeout + 10*time.Second

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Close the delivery queue; the transport has returned so nothing sends on it
	if p.workerPool != nil {
		log.Info().Msg("closing delivery queue")
		close(p.deliveries)

		// 3. Wait for workers to drain the queue (with timeout)
		select {
		case <-p.workerPool.Done():
			log.Info().Msg("workers drained gracefully")
		case <-time.After(15 * time.Second):
			log.Warn().Msg("worker drain timeout - releasing remaining deliveries")
		}
		p.workerPool.Stop()
	}

	// 4. Close transport
	if p.transport != nil {
		if err := p.transport.Stop(); err != nil {
			log.Error().Err(err).Msg("transport close error")
		}
	}

	// 5. Wait for all goroutines
	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.dispatcher.Stats()
			event := log.Info().
				Uint64("dispatched", stats.Dispatched).
				Uint64("failed", stats.Failed).
				Uint64("acked", stats.Acked).
				Uint64("clips_saved", stats.ClipsSaved)

			if p.workerPool != nil {
				ws := p.workerPool.Stats()
				metrics.WorkerQueueSize.Set(float64(ws.Queued))
				event = event.
					Uint64("worker_processed", ws.Processed).
					Uint64("worker_failed", ws.Failed).
					Int("queue_size", ws.Queued)
			}
			event.Msg("stats")
		}
	}
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if hc, ok := p.transport.(healthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// statsResponse is the /stats body
type statsResponse struct {
	Dispatcher dispatcher.Stats `json:"dispatcher"`
	Worker     *worker.Stats    `json:"worker,omitempty"`
	Transport  interface{}      `json:"transport,omitempty"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Dispatcher: p.dispatcher.Stats()}
	if p.workerPool != nil {
		ws := p.workerPool.Stats()
		resp.Worker = &ws
	}
	if p.transportStats != nil {
		resp.Transport = p.transportStats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
