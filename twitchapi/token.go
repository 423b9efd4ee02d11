package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the client credentials endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// Tokens closer than this to expiry are fetched again.
const expiryBuffer = time.Minute

// TokenSource caches a Twitch app access token from the client credentials
// grant. Chat recording joins anonymously and does not use it.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// TokenURL overrides DefaultTokenURL.
	TokenURL string

	mu  sync.Mutex
	tok *oauth2.Token
}

// Get returns the cached token, fetching a new one when it is missing or about to expire.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil && time.Until(ts.tok.Expiry) > expiryBuffer {
		return ts.tok.AccessToken, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     ts.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if cc.TokenURL == "" {
		cc.TokenURL = DefaultTokenURL
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", err)
	}
	ts.tok = tok
	return tok.AccessToken, nil
}

// Invalidate drops the cached token after Helix rejects it.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.tok = nil
	ts.mu.Unlock()
}

func (ts *TokenSource) cached() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok == nil {
		return ""
	}
	return ts.tok.AccessToken
}
