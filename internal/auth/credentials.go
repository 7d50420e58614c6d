package auth

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// ClientCredentials is the OAuth 2.0 web application client.
type ClientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// clientFile mirrors the JSON downloaded from the cloud console.
type clientFile struct {
	Web       *ClientCredentials `json:"web"`
	Installed *ClientCredentials `json:"installed"`
}

type tokensFile struct {
	RefreshToken string `json:"refresh_token"`
}

// LoadClientCredentials reads the client id and secret from an OAuth2 client JSON file.
func LoadClientCredentials(path string) (ClientCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientCredentials{}, fmt.Errorf("%w: read client credentials: %w", ErrAuth, err)
	}

	var f clientFile
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientCredentials{}, fmt.Errorf("%w: parse %s: %v", ErrAuth, path, err)
	}

	creds := f.Web
	if creds == nil {
		creds = f.Installed
	}
	if creds == nil || creds.ClientID == "" || creds.ClientSecret == "" {
		return ClientCredentials{}, fmt.Errorf("%w: %s has no client_id/client_secret", ErrAuth, path)
	}
	return *creds, nil
}

// LoadRefreshToken reads the persisted refresh token.
func LoadRefreshToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read tokens: %w", ErrAuth, err)
	}

	var f tokensFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrAuth, path, err)
	}
	if f.RefreshToken == "" {
		return "", fmt.Errorf("%w: %s has no refresh_token", ErrAuth, path)
	}
	return f.RefreshToken, nil
}

// SaveRefreshToken persists the refresh token, readable only by the owner.
func SaveRefreshToken(path, refreshToken string) error {
	data, err := json.Marshal(tokensFile{RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create tokens directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}
	return nil
}

// TokensExist reports whether bootstrap has already persisted a refresh token.
func TokensExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
