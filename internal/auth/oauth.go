package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrNoRefreshToken is returned when neither the store nor the configuration
// holds a refresh token.
var ErrNoRefreshToken = errors.New("auth: no refresh token available")

// RefreshTokenStore persists refresh tokens that the provider rotates on
// every exchange.
type RefreshTokenStore interface {
	Load() (string, error)
	Save(token string) error
}

// OAuthRefresh exchanges a long-lived refresh token for access tokens using
// the OAuth2 refresh_token grant.
type OAuthRefresh struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// RefreshToken is the configured token, used when the store is empty.
	RefreshToken string
	Store        RefreshTokenStore

	HTTPClient *http.Client
	Now        func() time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Token performs one refresh exchange.
func (o *OAuthRefresh) Token(ctx context.Context) (Token, error) {
	refresh, err := o.currentRefreshToken()
	if err != nil {
		return Token{}, err
	}

	body, err := json.Marshal(map[string]string{
		"client_id":     o.ClientID,
		"client_secret": o.ClientSecret,
		"refresh_token": refresh,
		"grant_type":    "refresh_token",
	})
	if err != nil {
		return Token{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.TokenURL, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := o.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Token{}, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tr.RefreshToken != "" && tr.RefreshToken != refresh && o.Store != nil {
		if err := o.Store.Save(tr.RefreshToken); err != nil {
			return Token{}, fmt.Errorf("failed to persist rotated refresh token: %w", err)
		}
	}

	tok := Token{AccessToken: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		now := time.Now
		if o.Now != nil {
			now = o.Now
		}
		tok.ExpiresAt = now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (o *OAuthRefresh) currentRefreshToken() (string, error) {
	if o.Store != nil {
		stored, err := o.Store.Load()
		if err != nil {
			return "", err
		}
		if stored != "" {
			return stored, nil
		}
	}
	if o.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}
	return o.RefreshToken, nil
}

// FileTokenStore keeps the latest refresh token in a small JSON file.
type FileTokenStore struct {
	Path string
}

type storedToken struct {
	RefreshToken string    `json:"refreshToken"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Load returns the stored token, or "" when the file does not exist.
func (f *FileTokenStore) Load() (string, error) {
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", fmt.Errorf("failed to parse token file %s: %w", f.Path, err)
	}
	return st.RefreshToken, nil
}

// Save replaces the stored token.
func (f *FileTokenStore) Save(token string) error {
	raw, err := json.MarshalIndent(storedToken{RefreshToken: token, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return os.Rename(tmp, f.Path)
}
