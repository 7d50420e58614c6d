// Package dispatcher turns one delivered message into a record on disk and,
// for ended event threads, a clip preview.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nestsub/internal/clip"
	"nestsub/internal/logger"
	"nestsub/internal/metrics"
	"nestsub/internal/models"
)

// Message is a delivered transport message.
type Message interface {
	Data() []byte
	Ack()
}

// RecordWriter persists the decoded body of every envelope.
type RecordWriter interface {
	WriteRecord(env *models.Envelope) (string, error)
}

// ClipFetcher downloads clip previews for ended threads.
type ClipFetcher interface {
	Fetch(ctx context.Context, env *models.Envelope) clip.Result
}

// Config holds dispatcher configuration
type Config struct {
	Records     RecordWriter
	Clips       ClipFetcher
	AckMessages bool
}

// Dispatcher routes envelopes by event thread state. Safe for concurrent use.
type Dispatcher struct {
	records     RecordWriter
	clips       ClipFetcher
	ackMessages bool

	dispatched atomic.Uint64
	failed     atomic.Uint64
	acked      atomic.Uint64
	clipsSaved atomic.Uint64
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		records:     cfg.Records,
		clips:       cfg.Clips,
		ackMessages: cfg.AckMessages,
	}
}

// AckEnabled reports whether successful dispatches acknowledge their message.
func (d *Dispatcher) AckEnabled() bool {
	return d.ackMessages
}

// Dispatch handles one message. A returned error means the message was not
// acknowledged; errors wrap models.ErrMalformedEnvelope,
// models.ErrUnexpectedEventState, models.ErrMalformedTimestamp or a
// filesystem error from the record writer.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	log := logger.WithComponent("dispatcher").With().
		Str("dispatch_id", uuid.New().String()).
		Logger()
	start := time.Now()

	env, err := models.DecodeEnvelope(msg.Data())
	if err != nil {
		d.fail("", "malformed")
		log.Error().Err(err).Int("size", len(msg.Data())).Msg("dropping malformed envelope")
		return err
	}

	state := string(env.EventThreadState)
	log = log.With().
		Str("event_thread_id", env.EventThreadID).
		Str("event_thread_state", state).
		Str("timestamp", env.Timestamp).
		Logger()

	path, err := d.records.WriteRecord(env)
	if err != nil {
		result := "record_failed"
		if errors.Is(err, models.ErrMalformedTimestamp) {
			result = "malformed"
		}
		d.fail(stateLabel(env.EventThreadState), result)
		log.Error().Err(err).Msg("failed to write record")
		return fmt.Errorf("write record: %w", err)
	}
	log.Info().Str("path", path).Msg("record written")

	switch env.EventThreadState {
	case models.StateStarted:
		d.onStarted(env)
	case models.StateUpdated:
		d.onUpdated(env)
	case models.StateEnded:
		if res := d.clips.Fetch(ctx, env); res.Saved() {
			d.clipsSaved.Add(1)
		}
	default:
		d.fail(stateLabel(env.EventThreadState), "unexpected_state")
		log.Error().Msg("unexpected event thread state")
		return fmt.Errorf("%w: %q", models.ErrUnexpectedEventState, state)
	}

	if d.ackMessages {
		msg.Ack()
		d.acked.Add(1)
		metrics.MessagesAckedTotal.Inc()
	}

	d.dispatched.Add(1)
	metrics.DispatchTotal.WithLabelValues(state, "ok").Inc()
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	log.Debug().
		Bool("acked", d.ackMessages).
		Dur("duration", time.Since(start)).
		Msg("message dispatched")
	return nil
}

// onStarted and onUpdated are the extension points for in-progress threads.
func (d *Dispatcher) onStarted(env *models.Envelope) {}

func (d *Dispatcher) onUpdated(env *models.Envelope) {}

func (d *Dispatcher) fail(state, result string) {
	d.failed.Add(1)
	metrics.DispatchTotal.WithLabelValues(state, result).Inc()
}

// stateLabel bounds the state label to the routed states.
func stateLabel(s models.EventThreadState) string {
	if !s.IsValid() {
		return "unknown"
	}
	return string(s)
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Failed:     d.failed.Load(),
		Acked:      d.acked.Load(),
		ClipsSaved: d.clipsSaved.Load(),
	}
}

// Stats holds dispatcher counters
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`
	Acked      uint64 `json:"acked"`
	ClipsSaved uint64 `json:"clips_saved"`
}
