package upkeep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/rewired-gh/navoracle/internal/models"
)

// Client talks to the external scheduler's registration API. It implements
// Registrar.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a registrar client.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

type registerRequest struct {
	Name          string `json:"name"`
	FundingAmount string `json:"funding_amount"`
	AdminID       string `json:"admin_id"`
}

type registerResponse struct {
	CandidateID  string `json:"candidate_id"`
	Forwarder    string `json:"forwarder"`
	AutoApproved bool   `json:"auto_approved"`
}

type pendingResponse struct {
	Name          string `json:"name"`
	FundingAmount string `json:"funding_amount"`
	AdminID       string `json:"admin_id"`
	Forwarder     string `json:"forwarder"`
}

// Register submits the upkeep registration to the scheduler.
func (c *Client) Register(ctx context.Context, params models.UpkeepParams) (Registration, error) {
	body, err := json.Marshal(registerRequest{
		Name:          params.Name,
		FundingAmount: params.FundingAmount.String(),
		AdminID:       params.AdminID,
	})
	if err != nil {
		return Registration{}, fmt.Errorf("failed to encode registration: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/v1/upkeeps", body)
	if err != nil {
		return Registration{}, fmt.Errorf("failed to register upkeep: %w", err)
	}
	defer resp.Body.Close()

	var rr registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return Registration{}, fmt.Errorf("failed to decode registration response: %w", err)
	}
	return Registration{
		CandidateID:  rr.CandidateID,
		Forwarder:    rr.Forwarder,
		AutoApproved: rr.AutoApproved,
	}, nil
}

// PendingParams fetches the parameters and forwarder for a pending
// candidate registration.
func (c *Client) PendingParams(ctx context.Context, candidateID string) (models.UpkeepParams, string, error) {
	u := c.baseURL + "/v1/upkeeps/pending/" + url.PathEscape(candidateID)
	resp, err := c.doRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.UpkeepParams{}, "", fmt.Errorf("failed to fetch pending upkeep: %w", err)
	}
	defer resp.Body.Close()

	var pr pendingResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return models.UpkeepParams{}, "", fmt.Errorf("failed to decode pending upkeep: %w", err)
	}
	funding, ok := new(big.Int).SetString(pr.FundingAmount, 10)
	if !ok {
		return models.UpkeepParams{}, "", fmt.Errorf("invalid funding amount %q", pr.FundingAmount)
	}
	params := models.UpkeepParams{
		Name:          pr.Name,
		FundingAmount: funding,
		AdminID:       pr.AdminID,
	}
	return params, pr.Forwarder, nil
}

// PendingCandidate looks up the candidate ID for a pending registration by
// upkeep name. Used to resume a handshake after a restart.
func (c *Client) PendingCandidate(ctx context.Context, name string) (string, error) {
	u := c.baseURL + "/v1/upkeeps/pending?name=" + url.QueryEscape(name)
	resp, err := c.doRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to look up pending candidate: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		CandidateID string `json:"candidate_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode candidate lookup: %w", err)
	}
	return body.CandidateID, nil
}

// doRequest performs an HTTP request with linear-backoff retry on transport
// errors and 5xx responses. 4xx responses are returned as terminal errors.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, body []byte) (*http.Response, error) {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

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
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, fmt.Errorf("request rejected: %d", resp.StatusCode)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
