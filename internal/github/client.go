// Package github provides a minimal client for pull-request metadata.
// It is used for display and attribution only; remediation state never
// depends on the code host being reachable.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/remedyhq/remedy/internal/types"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for rate-limited requests.
	MaxRetries = 3

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second
)

// Client fetches pull-request metadata from the GitHub REST API.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a GitHub client.
func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		BaseURL:    DefaultAPIEndpoint,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// WithBaseURL returns a new client with a custom base URL (for testing
// or GitHub Enterprise).
func (c *Client) WithBaseURL(baseURL string) *Client {
	cp := *c
	cp.BaseURL = baseURL
	return &cp
}

// pullResponse is the subset of the GitHub PR payload we read.
type pullResponse struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	MergedAt  *time.Time `json:"merged_at"`
	CreatedAt time.Time  `json:"created_at"`
	HTMLURL   string     `json:"html_url"`
	User      *struct {
		Login string `json:"login"`
	} `json:"user"`
}

// doRequest performs a GET with authentication and retry on rate limits.
func (c *Client) doRequest(ctx context.Context, urlStr string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed (attempt %d/%d): %w", attempt+1, MaxRetries+1, err)
			continue
		}

		const maxResponseSize = 10 * 1024 * 1024
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response (attempt %d/%d): %w", attempt+1, MaxRetries+1, err)
			continue
		}

		// GitHub signals rate limiting with 429, or 403 plus an exhausted
		// X-RateLimit-Remaining header.
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0") {
			delay := RetryDelay * time.Duration(1<<attempt)
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if seconds, err := strconv.Atoi(retryAfter); err == nil {
					delay = time.Duration(seconds) * time.Second
				}
			}
			lastErr = fmt.Errorf("rate limited (attempt %d/%d)", attempt+1, MaxRetries+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("API error: %s (status %d)", string(respBody), resp.StatusCode)
		}
		return respBody, nil
	}
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", MaxRetries+1, lastErr)
}

// FetchPullRequest retrieves PR metadata by owner, repo, and number.
func (c *Client) FetchPullRequest(ctx context.Context, owner, repo string, number int) (*types.PullRequest, error) {
	urlStr := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.BaseURL, owner, repo, number)
	respBody, err := c.doRequest(ctx, urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PR %s/%s#%d: %w", owner, repo, number, err)
	}

	var pr pullResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse PR response: %w", err)
	}

	out := &types.PullRequest{
		Number:    pr.Number,
		Title:     pr.Title,
		State:     pr.State,
		MergedAt:  pr.MergedAt,
		CreatedAt: pr.CreatedAt,
		HTMLURL:   pr.HTMLURL,
	}
	if pr.User != nil {
		out.User = pr.User.Login
	}
	return out, nil
}

// FetchPullRequestByURL resolves a PR from its html_url, the form the
// agent service reports (https://github.com/owner/repo/pull/123).
func (c *Client) FetchPullRequestByURL(ctx context.Context, prURL string) (*types.PullRequest, error) {
	owner, repo, number, err := ParsePullURL(prURL)
	if err != nil {
		return nil, err
	}
	return c.FetchPullRequest(ctx, owner, repo, number)
}

// ParsePullURL extracts owner, repo, and number from a PR web URL.
func ParsePullURL(prURL string) (owner, repo string, number int, err error) {
	trimmed := strings.TrimSuffix(prURL, "/")
	parts := strings.Split(trimmed, "/")
	// .../{owner}/{repo}/pull/{number}
	if len(parts) < 5 || parts[len(parts)-2] != "pull" {
		return "", "", 0, fmt.Errorf("not a pull request URL: %s", prURL)
	}
	number, err = strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid PR number in %s: %w", prURL, err)
	}
	return parts[len(parts)-4], parts[len(parts)-3], number, nil
}
