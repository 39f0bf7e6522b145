// Package botapi wraps the remote bot's web API.
//
// The client attaches the deployment credential, bounds every call with a
// timeout, and normalizes failures into a small set of classes. Only
// transport-level failures are retried: the bot API does not guarantee
// idempotency for its mutating endpoints, so a request that reached the
// server is never blindly resent.
//
// A client constructed without a credential is disabled: every call fails
// immediately with a configuration error and no network I/O happens. This
// lets the panel degrade to read-only behavior instead of refusing to boot.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/botadmin/internal/circuitbreaker"
	"github.com/mbd888/botadmin/internal/metrics"
	"github.com/mbd888/botadmin/internal/retry"
)

// ErrorClass classifies a failed remote call.
type ErrorClass string

const (
	ClassNotConfigured ErrorClass = "not_configured"
	ClassUnreachable   ErrorClass = "unreachable"
	ClassAuthRejected  ErrorClass = "auth_rejected"
	ClassValidation    ErrorClass = "validation_rejected"
	ClassServerError   ErrorClass = "server_error"
)

// Error is a classified remote API failure.
type Error struct {
	Class      ErrorClass
	StatusCode int // 0 when the request never reached the server
	Message    string
	Payload    Result // decoded error body, if any
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("bot api: %s (HTTP %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("bot api: %s: %s", e.Class, e.Message)
}

// Retryable reports whether the failure class is safe to retry.
func (e *Error) Retryable() bool {
	return e.Class == ClassUnreachable
}

// Result is the decoded JSON body of a successful call.
type Result map[string]any

// Detail extracts a human-readable message from the payload, falling back
// to def. The bot API reports either {"detail": ...} or {"error": ...}.
func (r Result) Detail(def string) string {
	if v, ok := r["detail"]; ok {
		switch d := v.(type) {
		case string:
			return d
		case map[string]any:
			if m, ok := d["message"].(string); ok {
				return m
			}
		}
		return fmt.Sprint(v)
	}
	if v, ok := r["error"]; ok {
		return fmt.Sprint(v)
	}
	return def
}

// Default retry policy for transport failures.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
)

// Client calls the remote bot API.
type Client struct {
	baseURL     string
	apiKey      string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	httpClient  *http.Client
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
	disabled    bool
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry overrides the transport-failure retry policy.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = baseDelay
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client. An empty baseURL or apiKey yields a disabled
// client whose every call fails with ClassNotConfigured.
func New(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		timeout:     timeout,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		httpClient:  &http.Client{},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		logger:      slog.Default(),
		disabled:    baseURL == "" || apiKey == "",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	return c
}

// Enabled reports whether the client holds a credential.
func (c *Client) Enabled() bool {
	return !c.disabled
}

// ExtendSubscription extends a subscription by the given number of days.
func (c *Client) ExtendSubscription(ctx context.Context, subscriptionID int64, days int) (Result, error) {
	path := fmt.Sprintf("/subscriptions/%d/extend", subscriptionID)
	return c.do(ctx, "extend_subscription", http.MethodPost, path, map[string]any{"days": days})
}

// UpdateBalance adjusts a user's balance by a signed amount in kopeks.
func (c *Client) UpdateBalance(ctx context.Context, userID, amountKopeks int64, description string, createTransaction bool) (Result, error) {
	path := fmt.Sprintf("/users/%d/balance", userID)
	return c.do(ctx, "update_balance", http.MethodPost, path, map[string]any{
		"amount_kopeks":      amountKopeks,
		"description":        description,
		"create_transaction": createTransaction,
	})
}

// UpdateUserStatus switches a user between active and blocked.
func (c *Client) UpdateUserStatus(ctx context.Context, userID int64, status string) (Result, error) {
	path := fmt.Sprintf("/users/%d", userID)
	return c.do(ctx, "update_user_status", http.MethodPatch, path, map[string]any{"status": status})
}

// SyncToPanel pushes bot data to the remote panel.
func (c *Client) SyncToPanel(ctx context.Context) (Result, error) {
	return c.do(ctx, "sync", http.MethodPost, "/remnawave/sync/to-panel", nil)
}

// SyncFromPanel pulls panel data into the bot. mode is "all" or "update_only".
func (c *Client) SyncFromPanel(ctx context.Context, mode string) (Result, error) {
	return c.do(ctx, "sync", http.MethodPost, "/remnawave/sync/from-panel", map[string]any{"mode": mode})
}

// SyncSubscriptionStatuses reconciles subscription statuses with the panel.
func (c *Client) SyncSubscriptionStatuses(ctx context.Context) (Result, error) {
	return c.do(ctx, "sync", http.MethodPost, "/remnawave/sync/subscriptions/statuses", nil)
}

// do runs one logical call: breaker admission, bounded retry on transport
// failures, immediate surfacing of everything else.
func (c *Client) do(ctx context.Context, op, method, path string, body map[string]any) (Result, error) {
	if c.disabled {
		return nil, &Error{
			Class:   ClassNotConfigured,
			Message: "BOTAPI_BASE_URL or BOTAPI_API_KEY not set",
		}
	}

	if !c.breaker.Allow(op) {
		return nil, &Error{
			Class:   ClassUnreachable,
			Message: "circuit open for " + op,
		}
	}

	var result Result
	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		res, callErr := c.once(ctx, method, path, body)
		if callErr == nil {
			result = res
			return nil
		}
		if apiErr, ok := callErr.(*Error); ok && !apiErr.Retryable() {
			return retry.Permanent(callErr)
		}
		c.logger.Warn("bot api transport failure, will retry",
			"op", op, "method", method, "path", path, "error", callErr)
		return callErr
	})

	if err != nil {
		if apiErr, ok := err.(*Error); ok {
			metrics.RemoteCallsTotal.WithLabelValues(op, string(apiErr.Class)).Inc()
			if apiErr.Class == ClassUnreachable || apiErr.Class == ClassServerError {
				c.breaker.RecordFailure(op)
			}
		} else {
			metrics.RemoteCallsTotal.WithLabelValues(op, "error").Inc()
		}
		return nil, err
	}

	metrics.RemoteCallsTotal.WithLabelValues(op, "ok").Inc()
	c.breaker.RecordSuccess(op)
	return result, nil
}

// once performs a single HTTP round trip bounded by the call timeout.
func (c *Client) once(ctx context.Context, method, path string, body map[string]any) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Class: ClassValidation, Message: "encode request: " + err.Error()}
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &Error{Class: ClassValidation, Message: "build request: " + err.Error()}
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassUnreachable, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	payload := decodeBody(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return payload, nil
	}

	apiErr := &Error{
		StatusCode: resp.StatusCode,
		Message:    payload.Detail(http.StatusText(resp.StatusCode)),
		Payload:    payload,
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr.Class = ClassAuthRejected
	case resp.StatusCode >= 500:
		apiErr.Class = ClassServerError
	default:
		apiErr.Class = ClassValidation
	}
	return nil, apiErr
}

// decodeBody tolerates non-JSON bodies: the raw text is kept under "raw".
func decodeBody(r io.Reader) Result {
	raw, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil || len(raw) == 0 {
		return Result{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Result{"raw": strings.TrimSpace(string(raw))}
	}
	return m
}
