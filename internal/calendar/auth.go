package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
)

// Auth holds the OAuth client configuration shared by all users. The linking
// flow is bot-driven: the bot sends the user an authorization URL, the user
// pastes the code back, Exchange turns it into a token.
type Auth struct {
	cfg *oauth2.Config
}

// AuthConfig points at the Google API client credentials file
// (client_id, client_secret, redirect_uris).
type AuthConfig struct {
	CredentialsPath string
}

func NewAuth(cfg AuthConfig) (*Auth, error) {
	if strings.TrimSpace(cfg.CredentialsPath) == "" {
		return nil, fmt.Errorf("calendar credentials path is required")
	}
	b, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read client credentials: %w", err)
	}
	oc, err := google.ConfigFromJSON(b, gcal.CalendarEventsScope, gcal.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse client credentials: %w", err)
	}
	return &Auth{cfg: oc}, nil
}

// AuthURL returns the URL the user opens to grant access. AccessTypeOffline
// makes Google return a refresh token; without one the link dies as soon as
// the first access token expires.
func (a *Auth) AuthURL(state string) string {
	return a.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange turns the pasted authorization code into a stored-form token.
func (a *Auth) Exchange(ctx context.Context, code string) (string, error) {
	tok, err := a.cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}
	return EncodeToken(tok)
}

// TokenSource returns a refreshing token source for a stored token.
func (a *Auth) TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource {
	return a.cfg.TokenSource(ctx, tok)
}

func ParseToken(tokenJSON string) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(tokenJSON), &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token has no credentials")
	}
	return &tok, nil
}

func EncodeToken(tok *oauth2.Token) (string, error) {
	b, err := json.Marshal(tok)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
