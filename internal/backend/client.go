// Package backend is a client for the DBS2 game backend, which owns player
// profiles, crypto balances and the cross-game leaderboard.
//
// # Usage
//
//	client := backend.NewClient(backend.Config{
//	    BaseURL: "https://dbs2.example.com",
//	    Token:   token,
//	})
//
//	balance, err := client.AddCrypto(ctx, playerID, backend.CryptoCredit{...})
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Config holds configuration for the backend client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://dbs2.example.com".
	BaseURL string

	// Token is sent as a bearer token on every request.
	Token string

	// MaxRetries is the maximum number of retry attempts for retryable errors.
	// Defaults to 3 if zero.
	MaxRetries int

	// BaseRetryDelay is the initial delay before the first retry.
	// Defaults to 500ms if zero.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff delay.
	// Defaults to 5 seconds if zero.
	MaxRetryDelay time.Duration

	// HTTPClient allows injecting a custom HTTP client.
	// Defaults to a client with 15s timeout.
	HTTPClient *http.Client

	// UserAgent overrides the User-Agent header. Optional.
	UserAgent string
}

// Client is a DBS2 backend API client.
type Client struct {
	config Config
	http   *http.Client
	mu     sync.RWMutex
}

// NewClient creates a new backend client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseRetryDelay == 0 {
		cfg.BaseRetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = 5 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		config: cfg,
		http:   httpClient,
	}
}

// SetToken updates the bearer token (thread-safe).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.Token = token
}

// Token returns the current bearer token (thread-safe).
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Token
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Configured reports whether the client has somewhere to send requests.
func (c *Client) Configured() bool {
	return c.config.BaseURL != ""
}

// --- Core request methods ---

// doRequest sends a single request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	endpoint := c.config.BaseURL + "/" + strings.TrimPrefix(path, "/")

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("backend: invalid response JSON: %w", err)
	}
	return nil
}

// doRequestWithRetry retries retryable HTTP errors with capped exponential
// backoff.
func (c *Client) doRequestWithRetry(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	b := retry.NewExponential(c.config.BaseRetryDelay)
	b = retry.WithCappedDuration(c.config.MaxRetryDelay, b)
	b = retry.WithMaxRetries(uint64(c.config.MaxRetries), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.doRequest(ctx, method, path, body, headers, out)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.IsRetryable() {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.IsRetryable() {
			return fmt.Errorf("backend: max retries exceeded: %w", err)
		}
		return err
	}
	return nil
}

// --- Endpoints ---

// GetPlayer fetches a player profile.
func (c *Client) GetPlayer(ctx context.Context, playerID string) (*Player, error) {
	var p Player
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "api/players/"+url.PathEscape(playerID), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetCrypto fetches a player's crypto balance.
func (c *Client) GetCrypto(ctx context.Context, playerID string) (*Balance, error) {
	var b Balance
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "api/players/"+url.PathEscape(playerID)+"/crypto", nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AddCrypto credits a player and returns the new balance. A credit tied to
// a run carries the run id as its idempotency key, so retries never pay
// twice.
func (c *Client) AddCrypto(ctx context.Context, playerID string, credit CryptoCredit) (*Balance, error) {
	if !credit.Amount.IsPositive() {
		return nil, fmt.Errorf("backend: credit amount must be positive, got %s", credit.Amount)
	}
	var headers map[string]string
	if credit.RunID != "" {
		headers = map[string]string{"Idempotency-Key": "credit-" + credit.RunID}
	}
	var b Balance
	if err := c.doRequestWithRetry(ctx, http.MethodPost, "api/players/"+url.PathEscape(playerID)+"/crypto", credit, headers, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SubmitScore records a finished run on the backend leaderboard.
func (c *Client) SubmitScore(ctx context.Context, sub ScoreSubmission) (*ScoreReceipt, error) {
	if sub.Game == "" {
		sub.Game = GameID
	}
	headers := map[string]string{"Idempotency-Key": "score-" + sub.RunID}
	var r ScoreReceipt
	if err := c.doRequestWithRetry(ctx, http.MethodPost, "api/scores", sub, headers, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetLeaderboard fetches the backend leaderboard for a book.
func (c *Client) GetLeaderboard(ctx context.Context, book string, limit int) ([]LeaderboardEntry, error) {
	q := url.Values{}
	q.Set("game", GameID)
	if book != "" {
		q.Set("book", book)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Entries []LeaderboardEntry `json:"entries"`
	}
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "api/leaderboard?"+q.Encode(), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}
