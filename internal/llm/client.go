// Package llm talks to an OpenAI-compatible API for the two AI collaborators
// of the proposal engine: drafting merged proposals and embedding text for
// similarity lookup.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const providerName = "openai-compatible"

type Config struct {
	BaseURL string // e.g. "https://api.openai.com/v1"
	APIKey  string
	// TokenURL, ClientID and ClientSecret select the client-credentials flow
	// instead of a static API key.
	TokenURL     string
	ClientID     string
	ClientSecret string
	DraftModel   string
	EmbedModel   string
	Timeout      time.Duration
}

// Client is constructed once per process and shared. Its token source caches
// the bearer credential and refreshes it when it expires.
type Client struct {
	baseURL    string
	draftModel string
	embedModel string
	timeout    time.Duration
	tokens     oauth2.TokenSource
	http       *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		draftModel: cfg.DraftModel,
		embedModel: cfg.EmbedModel,
		timeout:    timeout,
		tokens:     tokenSource(cfg, timeout),
		http:       &http.Client{Timeout: timeout + 5*time.Second},
	}
}

func tokenSource(cfg Config, timeout time.Duration) oauth2.TokenSource {
	if cfg.TokenURL != "" && cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		// The token endpoint gets the same budget as a model call.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		// clientcredentials already reuses tokens until expiry
		return cc.TokenSource(ctx)
	}
	if cfg.APIKey != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey, TokenType: "Bearer"})
	}
	return nil
}

// Configured reports whether a base URL and credentials are present.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.tokens != nil
}

func (c *Client) post(ctx context.Context, model, path string, body any, out any) error {
	if !c.Configured() {
		return &ProviderError{Provider: providerName, Model: model, Err: ErrNoCredentials}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.token(ctx)
	if err != nil {
		return &ProviderError{Provider: providerName, Model: model, Err: fmt.Errorf("%w: fetch token: %v", ErrUnavailable, err)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Provider: providerName, Model: model, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Provider: providerName, Model: model, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &ProviderError{Provider: providerName, Model: model, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Provider: providerName, Model: model, Err: fmt.Errorf("%w: read body: %v", ErrUnavailable, err)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &ProviderError{Provider: providerName, Model: model, Err: ErrRateLimited}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{Provider: providerName, Model: model,
			Err: fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(respBody), 200))}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &ProviderError{Provider: providerName, Model: model, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return nil
}

// token fetches the bearer credential but gives up once ctx is done. The
// underlying source has its own HTTP timeout, so an abandoned fetch ends too.
func (c *Client) token(ctx context.Context) (*oauth2.Token, error) {
	type result struct {
		token *oauth2.Token
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := c.tokens.Token()
		ch <- result{tok, err}
	}()
	select {
	case r := <-ch:
		return r.token, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
