package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"nestsub/internal/logger"
)

// SDMScope grants access to the Smart Device Management API.
const SDMScope = "https://www.googleapis.com/auth/sdm.service"

// Bootstrap errors
var (
	ErrNoAuthorizationCode = errors.New("redirect URL carries no authorization code")
	ErrNoRefreshToken      = errors.New("token response carries no refresh_token")
)

// BootstrapConfig configures the one-time account linking flow.
type BootstrapConfig struct {
	OAuth2JSON            string
	TokensJSON            string
	TokenURL              string
	AuthURLBase           string
	SDMAPIURL             string
	DeviceAccessProjectID string
	RedirectURL           string
	HTTPClient            *http.Client

	// In supplies the pasted redirect URL, Out receives the prompts
	In  io.Reader
	Out io.Writer
}

// Bootstrapper links the device access project to a Google account and
// persists the resulting refresh token.
type Bootstrapper struct {
	cfg BootstrapConfig
}

// NewBootstrapper creates a Bootstrapper.
func NewBootstrapper(cfg BootstrapConfig) *Bootstrapper {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bootstrapper{cfg: cfg}
}

func (b *Bootstrapper) oauthConfig(creds ClientCredentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  b.cfg.RedirectURL,
		Scopes:       []string{SDMScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   strings.TrimRight(b.cfg.AuthURLBase, "/") + "/" + b.cfg.DeviceAccessProjectID + "/auth",
			TokenURL:  b.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthorizationURL is the consent page the operator must open.
func (b *Bootstrapper) AuthorizationURL(creds ClientCredentials) string {
	return b.oauthConfig(creds).AuthCodeURL("",
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Run prints the consent URL, reads the redirect URL, exchanges the code,
// verifies access with a device list call and saves the refresh token.
func (b *Bootstrapper) Run(ctx context.Context) error {
	log := logger.WithComponent("bootstrap")

	if b.cfg.DeviceAccessProjectID == "" {
		return errors.New("device access project id is required")
	}

	creds, err := LoadClientCredentials(b.cfg.OAuth2JSON)
	if err != nil {
		return err
	}

	fmt.Fprintln(b.cfg.Out, b.AuthorizationURL(creds))
	fmt.Fprint(b.cfg.Out, "redirect_url = ")

	line, err := bufio.NewReader(b.cfg.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read redirect url: %w", err)
	}

	code, err := AuthorizationCode(strings.TrimSpace(line))
	if err != nil {
		return err
	}
	fmt.Fprintln(b.cfg.Out, "authorization_code = "+code)

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.cfg.HTTPClient)
	tok, err := b.oauthConfig(creds).Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: exchange authorization code: %w", ErrAuth, err)
	}
	if tok.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	if err := b.verifyDeviceAccess(ctx, tok.AccessToken); err != nil {
		return err
	}

	if err := SaveRefreshToken(b.cfg.TokensJSON, tok.RefreshToken); err != nil {
		return err
	}

	log.Info().Str("tokens_json", b.cfg.TokensJSON).Msg("refresh token saved")
	fmt.Fprintln(b.cfg.Out, "successful")
	return nil
}

// verifyDeviceAccess lists devices once; account linking is incomplete
// until this call succeeds.
func (b *Bootstrapper) verifyDeviceAccess(ctx context.Context, accessToken string) error {
	endpoint := strings.TrimRight(b.cfg.SDMAPIURL, "/") + "/enterprises/" + b.cfg.DeviceAccessProjectID + "/devices"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create device list request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("device list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: device list status is %d, expected 200", ErrAuth, resp.StatusCode)
	}
	return nil
}

// AuthorizationCode extracts the code query parameter from a redirect URL.
func AuthorizationCode(redirectURL string) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoAuthorizationCode, err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", ErrNoAuthorizationCode
	}
	return code, nil
}
