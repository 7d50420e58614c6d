// Package gcppubsub pulls camera events from a Cloud Pub/Sub subscription.
package gcppubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"nestsub/internal/dispatcher"
	"nestsub/internal/logger"
	"nestsub/internal/metrics"
)

// ErrInvalidSubscription is returned for names not shaped
// projects/<project>/subscriptions/<id>.
var ErrInvalidSubscription = errors.New("invalid subscription name")

// Dispatcher handles one message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg dispatcher.Message) error
}

// ParseSubscriptionName splits a full subscription name.
func ParseSubscriptionName(name string) (project, id string, err error) {
	parts := strings.Split(strings.TrimSpace(name), "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "subscriptions" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSubscription, name)
	}
	return parts[1], parts[3], nil
}

// Config holds subscriber configuration
type Config struct {
	Subscription       string
	ServiceAccountJSON string
	MaxOutstanding     int
	Dispatcher         Dispatcher

	// ClientOptions replace the service account credentials
	ClientOptions []option.ClientOption
}

// Subscriber runs a streaming pull on one subscription.
type Subscriber struct {
	project        string
	subscriptionID string
	opts           []option.ClientOption
	maxOutstanding int
	dispatcher     Dispatcher

	received atomic.Uint64
	nacked   atomic.Uint64
}

// NewSubscriber validates cfg and creates a Subscriber.
func NewSubscriber(cfg Config) (*Subscriber, error) {
	project, id, err := ParseSubscriptionName(cfg.Subscription)
	if err != nil {
		return nil, err
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	opts := cfg.ClientOptions
	if len(opts) == 0 {
		if cfg.ServiceAccountJSON == "" {
			return nil, errors.New("service account json is required")
		}
		opts = []option.ClientOption{option.WithCredentialsFile(cfg.ServiceAccountJSON)}
	}

	maxOutstanding := cfg.MaxOutstanding
	if maxOutstanding <= 0 {
		maxOutstanding = 10
	}

	return &Subscriber{
		project:        project,
		subscriptionID: id,
		opts:           opts,
		maxOutstanding: maxOutstanding,
		dispatcher:     cfg.Dispatcher,
	}, nil
}

// Start receives messages until ctx is cancelled. The client is closed on
// return and a receive failure is returned to the caller.
func (s *Subscriber) Start(ctx context.Context) error {
	log := logger.WithComponent("pubsub_subscriber").With().
		Str("project", s.project).
		Str("subscription", s.subscriptionID).
		Logger()

	client, err := pubsub.NewClient(ctx, s.project, s.opts...)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("pubsub client close error")
		}
	}()

	sub := client.Subscription(s.subscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = s.maxOutstanding

	log.Info().Int("max_outstanding", s.maxOutstanding).Msg("listening for messages")
	if err := sub.Receive(ctx, s.handle); err != nil {
		log.Error().Err(err).Msg("subscription failed")
		return fmt.Errorf("receive %s: %w", s.subscriptionID, err)
	}
	log.Info().Msg("subscriber stopped")
	return nil
}

// Stop is a no-op; cancel the context passed to Start instead.
func (s *Subscriber) Stop() error { return nil }

// handle dispatches one message. A dispatch error nacks it for
// redelivery. A success that was not acknowledged is left to lease expiry.
func (s *Subscriber) handle(ctx context.Context, m *pubsub.Message) {
	s.received.Add(1)
	metrics.TransportReceivedTotal.WithLabelValues("pubsub").Inc()

	if err := s.dispatcher.Dispatch(ctx, &message{m: m}); err != nil {
		m.Nack()
		s.nacked.Add(1)
		metrics.TransportNackedTotal.WithLabelValues("pubsub").Inc()
		log := logger.WithComponent("pubsub_subscriber")
		log.Warn().
			Err(err).
			Str("message_id", m.ID).
			Int("delivery_attempt", deliveryAttempt(m)).
			Msg("message nacked")
	}
}

// Stats returns subscriber statistics
func (s *Subscriber) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Nacked:   s.nacked.Load(),
	}
}

// Stats holds subscriber counters
type Stats struct {
	Received uint64 `json:"received"`
	Nacked   uint64 `json:"nacked"`
}

type message struct {
	m *pubsub.Message
}

func (msg *message) Data() []byte { return msg.m.Data }
func (msg *message) Ack()         { msg.m.Ack() }

func deliveryAttempt(m *pubsub.Message) int {
	if m.DeliveryAttempt == nil {
		return 0
	}
	return *m.DeliveryAttempt
}
