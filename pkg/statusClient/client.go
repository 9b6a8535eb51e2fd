package statusClient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/server"
)

// ClientConfig holds the configuration for the status client
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client queries a running oracle's HTTP surface
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new status client instance
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     config.Logger,
	}, nil
}

// GetStatus fetches /status
func (c *Client) GetStatus(ctx context.Context) (*server.StatusResponse, error) {
	var status server.StatusResponse
	code, err := c.get(ctx, "/status", &status)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("oracle returned status %d for /status", code)
	}
	return &status, nil
}

// GetHealth fetches /healthz. An unhealthy oracle is not an error; the
// returned response carries the reason.
func (c *Client) GetHealth(ctx context.Context) (*server.HealthResponse, error) {
	var health server.HealthResponse
	code, err := c.get(ctx, "/healthz", &health)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK && code != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("oracle returned status %d for /healthz", code)
	}
	return &health, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) (int, error) {
	url := c.baseURL + path
	c.logger.Sugar().Debugw("Querying oracle", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to contact oracle at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}
