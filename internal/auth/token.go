package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the identity provider endpoint used when none is configured.
const DefaultTokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"

// DefaultScope is requested when no scope is configured.
const DefaultScope = "https://api.botframework.com/.default"

// ClientCredentialsConfig configures a ClientCredentials provider.
type ClientCredentialsConfig struct {
	BotID     string
	BotSecret string
	TokenURL  string
	Scopes    []string
	// HTTPClient is used for token requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// ClientCredentials acquires bearer tokens for the bot identity with the
// OAuth2 client-credentials grant. Every call to Token performs a fresh
// grant; caching, if wanted, belongs to the caller.
type ClientCredentials struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
}

// NewClientCredentials creates a token provider for the bot identity.
func NewClientCredentials(cfg ClientCredentialsConfig) (*ClientCredentials, error) {
	if cfg.BotID == "" {
		return nil, errors.New("auth: bot id is required")
	}
	if cfg.BotSecret == "" {
		return nil, errors.New("auth: bot secret is required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}

	return &ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     cfg.BotID,
			ClientSecret: cfg.BotSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: cfg.HTTPClient,
	}, nil
}

// Token performs a client-credentials grant and returns the access token.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	tok, err := c.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: client credentials grant: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("auth: identity provider returned an empty access token")
	}
	return tok.AccessToken, nil
}
