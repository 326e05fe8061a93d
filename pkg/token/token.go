// Package token holds the bearer token stamped on every bus message and
// refreshes it against the backend's HTTP endpoint.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const logPrefix = "token:provider"

// DefaultRefreshPath is the refresh endpoint path used when none is configured.
const DefaultRefreshPath = "/refreshAccessToken"

// Source is the token contract consumed by the dispatcher.
type Source interface {
	Get() string
	Set(token string)
	Refresh(ctx context.Context) (*RefreshResponse, error)
}

// RefreshResponse is the envelope of a refresh call. Callers check
// Data.AccessToken before trusting it.
type RefreshResponse struct {
	Status int         `json:"status"`
	Data   RefreshData `json:"data"`
}

// RefreshData is the JSON body returned by the refresh endpoint.
type RefreshData struct {
	AccessToken string `json:"accessToken,omitempty"`
}

// Provider is the process-wide holder of the current access token.
type Provider struct {
	mu         sync.RWMutex
	token      string
	refreshURL string
	client     *http.Client
}

// Options configures a Provider.
type Options struct {
	// Token is the initial access token.
	Token string
	// RefreshURL is the absolute refresh endpoint, or a base URL to which
	// DefaultRefreshPath is appended when it has no path.
	RefreshURL string
	// Client overrides the HTTP client (default: 10s timeout).
	Client *http.Client
}

// NewProvider creates a Provider.
func NewProvider(opts Options) *Provider {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Provider{
		token:      opts.Token,
		refreshURL: ResolveRefreshURL(opts.RefreshURL),
		client:     client,
	}
}

// ResolveRefreshURL appends DefaultRefreshPath to a base URL without a path.
func ResolveRefreshURL(raw string) string {
	if raw == "" {
		return DefaultRefreshPath
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultRefreshPath
	}
	return u.String()
}

// Get returns the current token, or "" when none is set.
func (p *Provider) Get() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// Set replaces the current token. Empty or whitespace-only input is ignored.
func (p *Provider) Set(token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// RefreshURL returns the endpoint Refresh calls.
func (p *Provider) RefreshURL() string {
	return p.refreshURL
}

// Refresh issues one GET to the refresh endpoint and returns the decoded
// envelope. It does not store the new token; that is the caller's decision.
func (p *Provider) Refresh(ctx context.Context) (*RefreshResponse, error) {
	slog.Debug(fmt.Sprintf("%s - Refreshing access token via %s", logPrefix, p.refreshURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.refreshURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to build refresh request: %w", logPrefix, err)
	}
	req.Header.Set("Accept", "application/json")
	if current := p.Get(); current != "" {
		req.Header.Set("Authorization", "Bearer "+current)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s - refresh request failed: %w", logPrefix, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s - refresh endpoint returned %d", logPrefix, resp.StatusCode)
	}

	out := &RefreshResponse{Status: resp.StatusCode}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read refresh response: %w", logPrefix, err)
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &out.Data); err != nil {
			return nil, fmt.Errorf("%s - failed to decode refresh response: %w", logPrefix, err)
		}
	}
	return out, nil
}
