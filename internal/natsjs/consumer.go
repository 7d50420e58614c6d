// Package natsjs consumes camera events from a NATS JetStream subject
// through a watermill subscriber.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	natsgo "github.com/nats-io/nats.go"

	"nestsub/internal/logger"
	"nestsub/internal/metrics"
	"nestsub/internal/worker"
)

// Config holds JetStream consumer configuration
type Config struct {
	URL              string
	Subject          string
	QueueGroup       string
	DurableName      string
	AckWait          time.Duration
	MaxDeliver       int
	SubscribersCount int
	Deliveries       chan<- worker.Delivery
}

// Consumer feeds the worker pool from a durable JetStream consumer.
type Consumer struct {
	subscriber message.Subscriber
	subject    string
	deliveries chan<- worker.Delivery

	received atomic.Uint64
	acked    atomic.Uint64
	nacked   atomic.Uint64
}

// NewConsumer connects a durable, queue-balanced JetStream subscriber.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Subject == "" {
		return nil, errors.New("subject is required")
	}
	if cfg.Deliveries == nil {
		return nil, errors.New("deliveries channel is required")
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 60 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.SubscribersCount <= 0 {
		cfg.SubscribersCount = 1
	}

	wmLogger := logger.Watermill("nats_consumer")

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				wmLogger.Error("nats disconnected", err, nil)
			}
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverAll(),
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision:    true,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return newConsumer(sub, cfg.Subject, cfg.Deliveries), nil
}

func newConsumer(sub message.Subscriber, subject string, deliveries chan<- worker.Delivery) *Consumer {
	return &Consumer{
		subscriber: sub,
		subject:    subject,
		deliveries: deliveries,
	}
}

// Start forwards messages to the worker pool until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.WithComponent("nats_consumer").With().Str("subject", c.subject).Logger()

	messages, err := c.subscriber.Subscribe(ctx, c.subject)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.subject, err)
	}
	log.Info().Msg("nats consumer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("nats consumer stopped")
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.received.Add(1)
			metrics.TransportReceivedTotal.WithLabelValues("nats").Inc()

			select {
			case c.deliveries <- &delivery{consumer: c, msg: msg}:
			case <-ctx.Done():
				msg.Nack()
				return nil
			}
		}
	}
}

// Stop closes the subscriber.
func (c *Consumer) Stop() error {
	return c.subscriber.Close()
}

// Stats returns consumer statistics
func (c *Consumer) Stats() Stats {
	return Stats{
		Received: c.received.Load(),
		Acked:    c.acked.Load(),
		Nacked:   c.nacked.Load(),
	}
}

// Stats holds consumer counters
type Stats struct {
	Received uint64 `json:"received"`
	Acked    uint64 `json:"acked"`
	Nacked   uint64 `json:"nacked"`
}

// delivery settles the watermill message once the dispatch finished.
// Watermill needs every message acked or nacked, so a message that was
// processed but not acknowledged is nacked and redelivered up to MaxDeliver.
type delivery struct {
	consumer *Consumer
	msg      *message.Message
	acked    atomic.Bool
}

func (d *delivery) Data() []byte { return d.msg.Payload }

func (d *delivery) Ack() { d.acked.Store(true) }

func (d *delivery) Done(err error) {
	if err == nil && d.acked.Load() {
		d.msg.Ack()
		d.consumer.acked.Add(1)
		return
	}

	d.msg.Nack()
	d.consumer.nacked.Add(1)
	metrics.TransportNackedTotal.WithLabelValues("nats").Inc()
	if err != nil {
		log := logger.WithComponent("nats_consumer")
		log.Warn().
			Err(err).
			Str("message_uuid", d.msg.UUID).
			Msg("message nacked")
	}
}
