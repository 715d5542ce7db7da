package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Service is the contract consumed by the retry machine and the
// orchestrator. Satisfied by *Client.
type Service interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	SendMessage(ctx context.Context, sessionID, text string) error
}

// Client talks to the remediation-agent service over HTTP.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client

	maxElapsed time.Duration
}

// NewClient creates an agent service client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		Token:      token,
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		maxElapsed: 2 * time.Minute,
	}
}

// WithHTTPClient returns a new client with a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	cp := *c
	cp.HTTPClient = httpClient
	return &cp
}

// statusError carries a non-2xx response for retry classification.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("agent API error: %s (status %d)", e.body, e.code)
}

// doRequest performs one HTTP exchange with authentication and bounded
// exponential backoff on transient failures. Transport errors, 429 and
// 5xx responses are retried; other API errors surface immediately so
// they are never silently counted as a state transition.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, headers map[string]string) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	operation := func() ([]byte, error) {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		const maxResponseSize = 10 * 1024 * 1024
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
		return nil, err
	}
	return respBody, nil
}

// CreateSession dispatches a new remediation session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/v1/sessions", req, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("failed to parse create response: %w", err)
	}
	if session.ID == "" {
		return nil, errors.New("agent service returned a session without an id")
	}
	return &session, nil
}

// GetSession polls the current status of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session %s: %w", sessionID, err)
	}

	var session Session
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session response: %w", err)
	}
	return &session, nil
}

// SendMessage posts a feedback message to a running session.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) error {
	body := map[string]string{"text": text}
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages", body, nil)
	if err != nil {
		return fmt.Errorf("failed to send message to session %s: %w", sessionID, err)
	}
	return nil
}
