// Package fund provides the sample source collaborator: a synchronous HTTP
// read of the managed fund's current share price. The value travels as a
// decimal string so the oracle's fixed-point arithmetic stays exact.
package fund

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// Client reads the current share price from the fund's API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// ClientConfig tunes retry behavior.
type ClientConfig struct {
	MaxRetries     int
	RetryDelayBase time.Duration
}

// NewClient creates a fund client.
func NewClient(baseURL string, timeout time.Duration, config ClientConfig) *Client {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelayBase <= 0 {
		config.RetryDelayBase = time.Second
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     config.MaxRetries,
		retryDelayBase: config.RetryDelayBase,
	}
}

type sharePriceResponse struct {
	SharePrice string `json:"share_price"`
	Decimals   uint8  `json:"decimals"`
}

// CurrentValue returns the fund's current per-share value as a scaled
// integer together with its decimals.
func (c *Client) CurrentValue(ctx context.Context) (*big.Int, uint8, error) {
	resp, err := c.doRequest(ctx, c.baseURL+"/v1/share-price")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch share price: %w", err)
	}
	defer resp.Body.Close()

	var sp sharePriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&sp); err != nil {
		return nil, 0, fmt.Errorf("failed to decode share price: %w", err)
	}

	value, ok := new(big.Int).SetString(sp.SharePrice, 10)
	if !ok {
		return nil, 0, fmt.Errorf("invalid share price %q", sp.SharePrice)
	}
	if value.Sign() < 0 {
		return nil, 0, fmt.Errorf("negative share price %q", sp.SharePrice)
	}
	return value, sp.Decimals, nil
}

// doRequest performs an HTTP GET with linear-backoff retry on transport
// errors and 5xx responses.
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
