// Package scan fetches raw static-analysis findings, either from the
// scan service over HTTP or from result files dropped on disk.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/remedyhq/remedy/internal/types"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 30 * time.Second

// Service is the contract consumed by the orchestrator and the ingest
// command. Satisfied by *Client.
type Service interface {
	LatestFindings(ctx context.Context, repo string) ([]types.ScanFinding, error)
}

// Client talks to the scan service over HTTP.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client

	maxElapsed time.Duration
}

// NewClient creates a scan service client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		Token:      token,
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		maxElapsed: 2 * time.Minute,
	}
}

// resultsEnvelope is the scan service response shape. A bare JSON array
// is also accepted for services that skip the envelope.
type resultsEnvelope struct {
	Repo     string              `json:"repo"`
	ScanTime *time.Time          `json:"scan_time,omitempty"`
	Findings []types.ScanFinding `json:"findings"`
}

// statusError carries a non-2xx response for retry classification.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("scan API error: %s (status %d)", e.body, e.code)
}

// LatestFindings fetches the most recent completed scan's findings for
// a repository. Transport errors, 429 and 5xx responses are retried
// with bounded exponential backoff.
func (c *Client) LatestFindings(ctx context.Context, repo string) ([]types.ScanFinding, error) {
	operation := func() ([]byte, error) {
		reqURL := c.BaseURL + "/v1/scans/latest?repo=" + url.QueryEscape(repo)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		const maxResponseSize = 50 * 1024 * 1024
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &statusError{code: resp.StatusCode, body: string(respBody)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, backoff.Permanent(&statusError{code: resp.StatusCode, body: string(respBody)})
		}
		return respBody, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	respBody, err := backoff.RetryWithData(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scan results for %s: %w", repo, err)
	}
	return decodeFindings(respBody)
}

// decodeFindings accepts either the enveloped response or a bare array.
func decodeFindings(data []byte) ([]types.ScanFinding, error) {
	var envelope resultsEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Findings != nil {
		return envelope.Findings, nil
	}

	var findings []types.ScanFinding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, fmt.Errorf("failed to parse scan results: %w", err)
	}
	return findings, nil
}
