package botapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := New(srv.URL, "test-key", 5*time.Second,
		WithRetry(3, time.Millisecond))
	return client, srv
}

func TestClient_ExtendSubscription(t *testing.T) {
	var gotKey, gotPath, gotMethod string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "new_end_date": "2026-10-01"}`))
	}))

	res, err := client.ExtendSubscription(context.Background(), 42, 30)
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "/subscriptions/42/extend", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, true, res["success"])
}

func TestClient_UpdateUserStatus_Patch(t *testing.T) {
	var gotMethod, gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))

	_, err := client.UpdateUserStatus(context.Background(), 7, "blocked")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/users/7", gotPath)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		class  ErrorClass
		detail string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail": "invalid api key"}`, ClassAuthRejected, "invalid api key"},
		{"forbidden", http.StatusForbidden, `{}`, ClassAuthRejected, "Forbidden"},
		{"not found", http.StatusNotFound, `{"detail": "user not found"}`, ClassValidation, "user not found"},
		{"validation", http.StatusUnprocessableEntity, `{"detail": "days must be positive"}`, ClassValidation, "days must be positive"},
		{"conflict", http.StatusConflict, `{"detail": "already blocked"}`, ClassValidation, "already blocked"},
		{"server error", http.StatusInternalServerError, `{}`, ClassServerError, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := client.SyncToPanel(context.Background())
			require.Error(t, err)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.class, apiErr.Class)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.detail, apiErr.Message)
			assert.False(t, apiErr.Retryable())
		})
	}
}

func TestClient_HTTPErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail": "bad input"}`))
	}))

	_, err := client.SyncToPanel(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_TransportFailureRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connections now refused

	client := New(srv.URL, "test-key", time.Second,
		WithRetry(3, time.Millisecond))

	_, err := client.SyncToPanel(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ClassUnreachable, apiErr.Class)
	assert.True(t, apiErr.Retryable())
}

func TestClient_TransportRecoversMidRetry(t *testing.T) {
	var calls atomic.Int64
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// hijack and drop the connection to simulate a transport failure
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("response writer does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	res, err := client.SyncToPanel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, res["success"])
	assert.Equal(t, int64(3), calls.Load())
}

func TestClient_Disabled(t *testing.T) {
	client := New("", "", time.Second)
	assert.False(t, client.Enabled())

	_, err := client.SyncFromPanel(context.Background(), "all")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ClassNotConfigured, apiErr.Class)
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := New(srv.URL, "test-key", time.Second,
		WithRetry(1, time.Millisecond))

	// breaker trips after 5 recorded failures for the endpoint
	for i := 0; i < 5; i++ {
		_, err := client.SyncToPanel(context.Background())
		require.Error(t, err)
	}

	_, err := client.SyncToPanel(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ClassUnreachable, apiErr.Class)
	assert.Contains(t, apiErr.Message, "circuit open")
}

func TestClient_BreakersAreIndependentPerEndpoint(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/1/balance" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))

	for i := 0; i < 6; i++ {
		_, err := client.UpdateBalance(context.Background(), 1, 100, "test", true)
		require.Error(t, err)
	}

	// balance breaker is open, extend still works
	_, err := client.ExtendSubscription(context.Background(), 9, 7)
	require.NoError(t, err)

	_, err = client.UpdateBalance(context.Background(), 1, 100, "test", true)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "circuit open")
}

func TestClient_NonJSONBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))

	_, err := client.SyncToPanel(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ClassServerError, apiErr.Class)
	assert.Equal(t, "upstream timeout", apiErr.Payload["raw"])
}

func TestClient_ContextCancellation(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := client.SyncToPanel(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "canceled call must not wait for the handler")
}
