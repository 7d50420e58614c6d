package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	"nestsub/internal/logger"
	"nestsub/internal/metrics"
)

// Auth errors
var (
	ErrAuth = errors.New("auth error")
)

// TokenProvider hands out bearer tokens for the device API.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

// AccessToken calls f.
func (f TokenProviderFunc) AccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// ProviderConfig configures an OAuthProvider.
type ProviderConfig struct {
	OAuth2JSON string
	TokensJSON string
	TokenURL   string
	HTTPClient *http.Client
	Timeout    time.Duration

	// Consecutive exchange failures that open the breaker, and how long it stays open
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// OAuthProvider exchanges the persisted refresh token for a fresh access
// token on every call. Credential files are re-read each time so a
// re-bootstrap takes effect without a restart.
type OAuthProvider struct {
	oauth2JSON string
	tokensJSON string
	tokenURL   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*oauth2.Token]
}

// NewOAuthProvider creates a provider.
func NewOAuthProvider(cfg ProviderConfig) *OAuthProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}

	log := logger.WithComponent("auth")
	breaker := gobreaker.NewCircuitBreaker[*oauth2.Token](gobreaker.Settings{
		Name:        "token-endpoint",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("token endpoint circuit breaker state changed")
		},
	})

	return &OAuthProvider{
		oauth2JSON: cfg.OAuth2JSON,
		tokensJSON: cfg.TokensJSON,
		tokenURL:   cfg.TokenURL,
		httpClient: httpClient,
		breaker:    breaker,
	}
}

// AccessToken refreshes and returns a short-lived access token. Errors wrap ErrAuth.
func (p *OAuthProvider) AccessToken(ctx context.Context) (string, error) {
	log := logger.WithComponent("auth")

	creds, err := LoadClientCredentials(p.oauth2JSON)
	if err != nil {
		metrics.TokenRequestsTotal.WithLabelValues("failed").Inc()
		return "", err
	}
	refreshToken, err := LoadRefreshToken(p.tokensJSON)
	if err != nil {
		metrics.TokenRequestsTotal.WithLabelValues("failed").Inc()
		return "", err
	}

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.breaker.Execute(func() (*oauth2.Token, error) {
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.TokenRequestsTotal.WithLabelValues("breaker_open").Inc()
		} else {
			metrics.TokenRequestsTotal.WithLabelValues("failed").Inc()
		}
		return "", fmt.Errorf("%w: refresh access token: %w", ErrAuth, err)
	}
	if tok.AccessToken == "" {
		metrics.TokenRequestsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("%w: token endpoint returned no access_token", ErrAuth)
	}

	metrics.TokenRequestsTotal.WithLabelValues("ok").Inc()
	log.Debug().
		Int("token_length", len(tok.AccessToken)).
		Time("expiry", tok.Expiry).
		Msg("access token refreshed")
	return tok.AccessToken, nil
}
