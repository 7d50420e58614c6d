// Package clip downloads camera clip previews for ended event threads.
//
// Fetch is best-effort: it reports what happened through a Result and has no
// error return, so a failed download can never fail the message it belongs to.
package clip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"nestsub/internal/auth"
	"nestsub/internal/logger"
	"nestsub/internal/metrics"
	"nestsub/internal/models"
	"nestsub/internal/storage"
)

// Outcome classifies one fetch attempt.
type Outcome string

const (
	OutcomeSaved         Outcome = "saved"
	OutcomeNoClip        Outcome = "no_clip"
	OutcomeThrottled     Outcome = "throttled"
	OutcomeAuthFailed    Outcome = "auth_failed"
	OutcomeNetworkFailed Outcome = "network_failed"
	OutcomeBadStatus     Outcome = "bad_status"
	OutcomeIOFailed      Outcome = "io_failed"
)

// DefaultBufferSize is the copy buffer used when streaming clip bodies.
const DefaultBufferSize = 32 * 1024

// Result describes a fetch attempt.
type Result struct {
	Outcome    Outcome
	Path       string
	Bytes      int64
	StatusCode int
	Err        error
}

// Saved reports whether a clip file was written.
func (r Result) Saved() bool {
	return r.Outcome == OutcomeSaved
}

// Store stages clip files.
type Store interface {
	CreateClip(env *models.Envelope) (*storage.ClipFile, error)
}

// Config holds fetcher configuration
type Config struct {
	Tokens     auth.TokenProvider
	Store      Store
	HTTPClient *http.Client
	Timeout    time.Duration
	BufferSize int
	// Downloads per second across all dispatches; 0 disables throttling
	RatePerSecond float64
	Burst         int
}

// Fetcher downloads clip previews with a fresh bearer token per request.
type Fetcher struct {
	tokens     auth.TokenProvider
	store      Store
	client     *http.Client
	bufferSize int
	limiter    *rate.Limiter
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg Config) *Fetcher {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Fetcher{
		tokens:     cfg.Tokens,
		store:      cfg.Store,
		client:     client,
		bufferSize: bufferSize,
		limiter:    limiter,
	}
}

// Fetch downloads the clip preview referenced by env, if any.
func (f *Fetcher) Fetch(ctx context.Context, env *models.Envelope) Result {
	log := logger.WithComponent("clip").With().
		Str("event_thread_id", env.EventThreadID).
		Logger()

	start := time.Now()
	res := f.fetch(ctx, env)
	metrics.ClipFetchTotal.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case OutcomeSaved:
		metrics.ClipBytesTotal.Add(float64(res.Bytes))
		metrics.ClipFetchDuration.Observe(time.Since(start).Seconds())
		log.Info().
			Str("path", res.Path).
			Int64("bytes", res.Bytes).
			Dur("duration", time.Since(start)).
			Msg("clip saved")
	case OutcomeNoClip:
		log.Debug().Msg("ended event carries no clip preview")
	default:
		log.Warn().
			Err(res.Err).
			Str("outcome", string(res.Outcome)).
			Int("status", res.StatusCode).
			Msg("clip not saved")
	}
	return res
}

func (f *Fetcher) fetch(ctx context.Context, env *models.Envelope) Result {
	previewURL, ok := env.ClipPreviewURL()
	if !ok {
		return Result{Outcome: OutcomeNoClip}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return Result{Outcome: OutcomeThrottled, Err: err}
		}
	}

	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return Result{Outcome: OutcomeAuthFailed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, previewURL, nil)
	if err != nil {
		return Result{Outcome: OutcomeNetworkFailed, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeNetworkFailed, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	// Status is checked before any byte of the body is consumed.
	if resp.StatusCode != http.StatusOK {
		return Result{
			Outcome:    OutcomeBadStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status_code is %d, expected 200", resp.StatusCode),
		}
	}

	dst, err := f.store.CreateClip(env)
	if err != nil {
		return Result{Outcome: OutcomeIOFailed, StatusCode: resp.StatusCode, Err: err}
	}

	n, err := io.CopyBuffer(dst, bodyReader{resp.Body}, make([]byte, f.bufferSize))
	if err != nil {
		dst.Abort()
		outcome := OutcomeIOFailed
		var readErr *bodyReadError
		if errors.As(err, &readErr) || ctx.Err() != nil {
			outcome = OutcomeNetworkFailed
		}
		return Result{Outcome: outcome, StatusCode: resp.StatusCode, Bytes: n, Err: err}
	}

	path, err := dst.Commit()
	if err != nil {
		return Result{Outcome: OutcomeIOFailed, StatusCode: resp.StatusCode, Bytes: n, Err: err}
	}

	return Result{Outcome: OutcomeSaved, Path: path, Bytes: n, StatusCode: resp.StatusCode}
}

// bodyReader tags read failures so they are told apart from disk failures.
type bodyReader struct {
	r io.Reader
}

func (b bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		err = &bodyReadError{err: err}
	}
	return n, err
}

type bodyReadError struct {
	err error
}

func (e *bodyReadError) Error() string { return "read clip body: " + e.err.Error() }
func (e *bodyReadError) Unwrap() error { return e.err }
