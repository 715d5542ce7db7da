package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-token")
	c.maxElapsed = 0 // ExponentialBackOff zero means no elapsed limit; bounded by test attempts
	return c
}

func TestCreateSession(t *testing.T) {
	var gotAuth, gotIdem string
	var gotReq CreateSessionRequest

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sessions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(Session{ID: "s-123", URL: "https://agent/s-123", Status: types.SessionCreated})
	}))

	session, err := client.CreateSession(context.Background(), CreateSessionRequest{
		Prompt:         "fix the findings",
		Title:          "cwe-089 batch",
		Tags:           []string{"cwe-089", "attempt-1"},
		MaxCompute:     "standard",
		IdempotencyKey: "batch-1/cycle-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "s-123", session.ID)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "batch-1/cycle-1", gotIdem)
	assert.Equal(t, "fix the findings", gotReq.Prompt)
	assert.Equal(t, []string{"cwe-089", "attempt-1"}, gotReq.Tags)
}

func TestCreateSessionRejectsMissingID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	_, err := client.CreateSession(context.Background(), CreateSessionRequest{Prompt: "p"})
	assert.ErrorContains(t, err, "without an id")
}

func TestGetSessionRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "s-1", Status: types.SessionRunning})
	}))

	session, err := client.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, session.Status)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such session", http.StatusNotFound)
	}))

	_, err := client.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses must not be retried")
}

func TestSendMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions/s-1/messages", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "remaining findings below", body["text"])
		w.WriteHeader(http.StatusAccepted)
	}))

	err := client.SendMessage(context.Background(), "s-1", "remaining findings below")
	assert.NoError(t, err)
}
