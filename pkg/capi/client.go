// Package capi is a client for the CrowdSec Central API. It reports attack
// signals on behalf of many watcher machines and fetches decisions in
// return, handling registration, token refresh, and bounded retries for
// each machine independently.
package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

// Version is stamped into the User-Agent header and metrics payloads.
const Version = "1.0.0"

const (
	baseURL    = "https://api.crowdsec.net/v3"
	baseDevURL = "https://api.dev.crowdsec.net/v3"

	watcherRegisterEndpoint = "/watchers"
	watcherLoginEndpoint    = "/watchers/login"
	enrollEndpoint          = "/watchers/enroll"
	signalsEndpoint         = "/signals"
	decisionsEndpoint       = "/decisions/stream"
	metricsEndpoint         = "/metrics"

	// Maximum number of signals per physical POST /signals call.
	signalBatchLimit = 250
)

// ClientConfig carries the tunables of a Client. The zero value is usable
// after withDefaults.
type ClientConfig struct {
	// Scenarios is the set of detection capabilities presented at login.
	Scenarios []string
	// Prod selects the production API host instead of the development one.
	Prod bool
	// UserAgentPrefix is prepended to the SDK User-Agent when set.
	UserAgentPrefix string
	// MaxRetries is the number of retry rounds after the first attempt;
	// zero means exactly one attempt.
	MaxRetries int
	// LatencyOffset shortens a token's effective lifetime so a request
	// issued just before expiry does not arrive with a dead token.
	LatencyOffset time.Duration
	// RetryDelay is the flat sleep between retry rounds.
	RetryDelay time.Duration
	// BatchSize is the store page size used by SendSignals.
	BatchSize int
	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration

	// Logger receives all client logging. Defaults to a disabled logger.
	Logger *zerolog.Logger
	// HTTPClient overrides the transport. Its timeout wins over
	// RequestTimeout when set.
	HTTPClient *http.Client
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.LatencyOffset == 0 {
		c.LatencyOffset = 10 * time.Second
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Client talks to CAPI on behalf of the machines found in its store.
// It is not safe for concurrent use: one send or enroll loop at a time.
type Client struct {
	store storage.Store
	http  *http.Client
	log   zerolog.Logger

	url           string
	scenarios     string
	userAgent     string
	maxRetries    int
	latencyOffset time.Duration
	retryDelay    time.Duration
	batchSize     int
}

// New builds a Client over the given store.
func New(store storage.Store, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	url := baseDevURL
	if cfg.Prod {
		url = baseURL
	}

	userAgent := "capi-go-sdk/" + Version
	if cfg.UserAgentPrefix != "" {
		userAgent = cfg.UserAgentPrefix + "-" + userAgent
	}

	return &Client{
		store:         store,
		http:          httpClient,
		log:           logger,
		url:           url,
		scenarios:     CanonicalScenarios(cfg.Scenarios),
		userAgent:     userAgent,
		maxRetries:    cfg.MaxRetries,
		latencyOffset: cfg.LatencyOffset,
		retryDelay:    cfg.RetryDelay,
		batchSize:     cfg.BatchSize,
	}
}

// URL returns the API base URL the client targets.
func (c *Client) URL() string { return c.url }

// APIError is a non-2xx response from CAPI.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("capi: unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// do issues one authenticated or anonymous JSON call and decodes the
// response into out when out is non-nil. Authenticated calls carry the raw
// token in the Authorization header; CAPI does not use a "Bearer " prefix.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("capi: decoding %s response: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
