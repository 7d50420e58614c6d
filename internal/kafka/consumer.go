package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"nestsub/internal/logger"
	"nestsub/internal/metrics"
	"nestsub/internal/worker"
)

// Consumer errors
var (
	ErrConsumerClosed = errors.New("consumer is closed")
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds consumer configuration
type Config struct {
	Brokers    []string
	Topic      string
	GroupID    string
	Deliveries chan<- worker.Delivery

	// Reader overrides the consumer group reader built from Brokers
	Reader Reader
}

// Consumer reads a topic as part of a consumer group and feeds the worker
// pool. Acknowledging a message commits its offset.
type Consumer struct {
	reader     Reader
	topic      string
	deliveries chan<- worker.Delivery
	closed     atomic.Bool

	// Metrics
	messagesReceived  atomic.Uint64
	messagesCommitted atomic.Uint64
	commitsFailed     atomic.Uint64
}

// NewConsumer creates a consumer group reader.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Deliveries == nil {
		return nil, errors.New("deliveries channel is required")
	}

	reader := cfg.Reader
	if reader == nil {
		if len(cfg.Brokers) == 0 {
			return nil, errors.New("at least one broker is required")
		}
		if cfg.Topic == "" {
			return nil, errors.New("topic is required")
		}
		if cfg.GroupID == "" {
			return nil, errors.New("group id is required")
		}
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0, // synchronous commits
			StartOffset:    kafka.FirstOffset,
		})
	}

	return &Consumer{
		reader:     reader,
		topic:      cfg.Topic,
		deliveries: cfg.Deliveries,
	}, nil
}

// Start fetches messages until ctx is cancelled or the reader fails.
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Str("topic", c.topic).Msg("kafka consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				log.Info().Msg("kafka consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		c.messagesReceived.Add(1)
		metrics.TransportReceivedTotal.WithLabelValues("kafka").Inc()

		d := &delivery{consumer: c, msg: msg}
		select {
		case c.deliveries <- d:
		case <-ctx.Done():
			// Not committed, so the group redelivers it.
			return nil
		}
	}
}

// Stop closes the reader.
func (c *Consumer) Stop() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.reader.Close()
}

// HealthCheck reports whether the consumer is still open
func (c *Consumer) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	return ctx.Err()
}

func (c *Consumer) commit(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.commitsFailed.Add(1)
		log := logger.WithComponent("kafka_consumer")
		log.Error().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("failed to commit offset")
		return
	}
	c.messagesCommitted.Add(1)
}

// Stats returns consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesReceived:  c.messagesReceived.Load(),
		MessagesCommitted: c.messagesCommitted.Load(),
		CommitsFailed:     c.commitsFailed.Load(),
	}
}

// ConsumerStats holds consumer metrics
type ConsumerStats struct {
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesCommitted uint64 `json:"messages_committed"`
	CommitsFailed     uint64 `json:"commits_failed"`
}

// delivery commits its offset only when the dispatch succeeded and acked.
// Kafka has no per-message negative acknowledgement; an uncommitted offset
// is redelivered after a rebalance or restart.
type delivery struct {
	consumer *Consumer
	msg      kafka.Message
	acked    atomic.Bool
}

func (d *delivery) Data() []byte { return d.msg.Value }

func (d *delivery) Ack() { d.acked.Store(true) }

func (d *delivery) Done(err error) {
	if err != nil {
		metrics.TransportNackedTotal.WithLabelValues("kafka").Inc()
		log := logger.WithComponent("kafka_consumer")
		log.Warn().
			Err(err).
			Int("partition", d.msg.Partition).
			Int64("offset", d.msg.Offset).
			Msg("message not committed")
		return
	}
	if d.acked.Load() {
		d.consumer.commit(d.msg)
	}
}
