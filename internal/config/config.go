package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Transport kinds
const (
	TransportPubSub = "pubsub"
	TransportKafka  = "kafka"
	TransportNATS   = "nats"
	TransportPush   = "push"
)

// Config holds runtime configuration for the subscriber.
type Config struct {
	LogLevel  string          `koanf:"log_level"`
	Storage   StorageConfig   `koanf:"storage"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Auth      AuthConfig      `koanf:"auth"`
	Clip      ClipConfig      `koanf:"clip"`
	Transport TransportConfig `koanf:"transport"`
	HTTP      HTTPConfig      `koanf:"http"`
}

// StorageConfig locates the record and clip trees.
type StorageConfig struct {
	RecordsDir string `koanf:"records_dir"`
	ClipsDir   string `koanf:"clips_dir"`
	// IANA zone used for date buckets; empty means the process zone
	Timezone string `koanf:"timezone"`
}

// DispatchConfig controls message settlement.
type DispatchConfig struct {
	// Acknowledge messages after processing; off leaves them for redelivery
	AckMessages bool `koanf:"ack_messages"`
}

// AuthConfig holds the OAuth2 credential files and endpoints.
type AuthConfig struct {
	OAuth2JSON            string        `koanf:"oauth2_json"`
	TokensJSON            string        `koanf:"tokens_json"`
	TokenURL              string        `koanf:"token_url"`
	AuthURLBase           string        `koanf:"auth_url_base"`
	SDMAPIURL             string        `koanf:"sdm_api_url"`
	DeviceAccessProjectID string        `koanf:"device_access_project_id"`
	RedirectURL           string        `koanf:"redirect_url"`
	Timeout               time.Duration `koanf:"timeout"`
	BreakerFailures       uint32        `koanf:"breaker_failures"`
	BreakerTimeout        time.Duration `koanf:"breaker_timeout"`
}

// ClipConfig tunes clip preview downloads.
type ClipConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	BufferSize    int           `koanf:"buffer_size"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	Burst         int           `koanf:"burst"`
}

// TransportConfig selects and configures the message source.
type TransportConfig struct {
	Kind      string       `koanf:"kind"`
	Workers   int          `koanf:"workers"`
	QueueSize int          `koanf:"queue_size"`
	PubSub    PubSubConfig `koanf:"pubsub"`
	Kafka     KafkaConfig  `koanf:"kafka"`
	NATS      NATSConfig   `koanf:"nats"`
}

// PubSubConfig configures the Cloud Pub/Sub pull subscriber.
type PubSubConfig struct {
	// Full name as shown on the cloud console: projects/<p>/subscriptions/<s>
	Subscription       string `koanf:"subscription"`
	ServiceAccountJSON string `koanf:"service_account_json"`
	MaxOutstanding     int    `koanf:"max_outstanding"`
}

// KafkaConfig configures the Kafka consumer group.
type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
	GroupID string   `koanf:"group_id"`
}

// NATSConfig configures the JetStream subscriber.
type NATSConfig struct {
	URL         string        `koanf:"url"`
	Subject     string        `koanf:"subject"`
	QueueGroup  string        `koanf:"queue_group"`
	DurableName string        `koanf:"durable_name"`
	AckWait     time.Duration `koanf:"ack_wait"`
	MaxDeliver  int           `koanf:"max_deliver"`
}

// HTTPConfig configures the ops server.
type HTTPConfig struct {
	Addr        string `koanf:"addr"`
	MaxBodySize int64  `koanf:"max_body_size"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Storage: StorageConfig{
			RecordsDir: "messages",
			ClipsDir:   "clips",
		},
		Dispatch: DispatchConfig{
			AckMessages: false,
		},
		Auth: AuthConfig{
			OAuth2JSON:      "secrets/oauth2.json",
			TokensJSON:      "secrets/tokens.json",
			TokenURL:        "https://www.googleapis.com/oauth2/v4/token",
			AuthURLBase:     "https://nestservices.google.com/partnerconnections",
			SDMAPIURL:       "https://smartdevicemanagement.googleapis.com/v1",
			RedirectURL:     "https://www.google.com",
			Timeout:         20 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Clip: ClipConfig{
			Timeout:    60 * time.Second,
			BufferSize: 32 * 1024,
		},
		Transport: TransportConfig{
			Kind:      TransportPubSub,
			Workers:   4,
			QueueSize: 100,
			PubSub: PubSubConfig{
				ServiceAccountJSON: "secrets/service-account.json",
				MaxOutstanding:     10,
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "camera-events",
				GroupID: "nestsub",
			},
			NATS: NATSConfig{
				URL:         "nats://127.0.0.1:4222",
				Subject:     "camera.events",
				QueueGroup:  "nestsub",
				DurableName: "nestsub",
				AckWait:     60 * time.Second,
				MaxDeliver:  5,
			},
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MaxBodySize: 1 << 20,
		},
	}
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Storage.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Storage.Timezone)
	if err != nil {
		return nil, fmt.Errorf("storage.timezone: %w", err)
	}
	return loc, nil
}

// Validate checks the fields the selected transport needs.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Storage.RecordsDir) == "" {
		errs = append(errs, errors.New("storage.records_dir is required"))
	}
	if strings.TrimSpace(c.Storage.ClipsDir) == "" {
		errs = append(errs, errors.New("storage.clips_dir is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.TokenURL == "" {
		errs = append(errs, errors.New("auth.token_url is required"))
	}
	if c.Clip.Timeout <= 0 {
		errs = append(errs, errors.New("clip.timeout must be positive"))
	}

	switch c.Transport.Kind {
	case TransportPubSub:
		if c.Transport.PubSub.Subscription == "" {
			errs = append(errs, errors.New("transport.pubsub.subscription is required"))
		}
	case TransportKafka:
		if len(c.Transport.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("transport.kafka.brokers is required"))
		}
		if c.Transport.Kafka.Topic == "" {
			errs = append(errs, errors.New("transport.kafka.topic is required"))
		}
	case TransportNATS:
		if c.Transport.NATS.URL == "" || c.Transport.NATS.Subject == "" {
			errs = append(errs, errors.New("transport.nats.url and transport.nats.subject are required"))
		}
	case TransportPush:
		if c.HTTP.Addr == "" {
			errs = append(errs, errors.New("http.addr is required for push delivery"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q is not one of pubsub, kafka, nats, push", c.Transport.Kind))
	}

	return errors.Join(errs...)
}
