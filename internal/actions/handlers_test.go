package actions

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/botadmin/internal/csrf"
	"github.com/mbd888/botadmin/internal/identity"
	"github.com/mbd888/botadmin/internal/rbac"
)

// newTestRouter wires the handler behind a stub auth middleware resolving
// every request to the given admin.
func newTestRouter(t *testing.T, f *fixture, admin *identity.AdminIdentity) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler := NewHandler(f.orch, f.csrf, f.auditor, "", "", 5*time.Minute)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(identity.ContextKeyAdmin, admin)
		c.Set(identity.ContextKeySession, "sess-1")
	})
	v1 := r.Group("/v1")
	handler.RegisterProtectedRoutes(v1)
	return r
}

func fetchCSRF(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/actions/csrf", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		CSRFToken string `json:"csrf_token"`
		Header    string `json:"header"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.CSRFToken)
	assert.Equal(t, csrf.DefaultHeaderName, body.Header)
	return body.CSRFToken
}

func postAction(t *testing.T, r *gin.Engine, token string, req *Request) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(raw))
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set(csrf.DefaultHeaderName, token)
	}
	r.ServeHTTP(w, httpReq)
	return w
}

func TestHandler_ExecuteAction_OK(t *testing.T) {
	f := newFixture(t, 10)
	r := newTestRouter(t, f, operator())

	w := postAction(t, r, fetchCSRF(t, r), &Request{
		Kind: rbac.ActionExtendSubscription, Target: "42",
		Params: map[string]any{"days": 30},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Status  string         `json:"status"`
		Result  map[string]any `json:"result"`
		AuditID string         `json:"audit_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(StatusDone), body.Status)
	assert.NotEmpty(t, body.AuditID)
	assert.Equal(t, true, body.Result["success"])
}

func TestHandler_ExecuteAction_MissingCSRF(t *testing.T) {
	f := newFixture(t, 10)
	r := newTestRouter(t, f, operator())

	w := postAction(t, r, "", &Request{
		Kind: rbac.ActionExtendSubscription, Target: "42",
		Params: map[string]any{"days": 30},
	})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "forbidden")
	assert.Equal(t, 0, f.remote.callCount())
}

func TestHandler_ExecuteAction_ConfirmationFlow(t *testing.T) {
	f := newFixture(t, 10)
	r := newTestRouter(t, f, operator())
	params := map[string]any{"amount_kopeks": float64(9_000_000)}

	w := postAction(t, r, fetchCSRF(t, r), &Request{
		Kind: rbac.ActionAdjustBalance, Target: "42", Params: params,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var body struct {
		Status string `json:"status"`
		Ticket struct {
			ID string `json:"id"`
		} `json:"ticket"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(StatusConfirmationRequired), body.Status)
	require.NotEmpty(t, body.Ticket.ID)

	w = postAction(t, r, fetchCSRF(t, r), &Request{
		Kind: rbac.ActionAdjustBalance, Target: "42", Params: params,
		TicketID: body.Ticket.ID, Confirm: true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, f.remote.callCount())
}

func TestHandler_ExecuteAction_RateLimited(t *testing.T) {
	f := newFixture(t, 1)
	r := newTestRouter(t, f, operator())
	req := &Request{
		Kind: rbac.ActionExtendSubscription, Target: "42",
		Params: map[string]any{"days": 30},
	}

	w := postAction(t, r, fetchCSRF(t, r), req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = postAction(t, r, fetchCSRF(t, r), req)
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandler_ExecuteAction_BadBody(t *testing.T) {
	f := newFixture(t, 10)
	r := newTestRouter(t, f, operator())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_IssueCSRF_SetsCookie(t *testing.T) {
	f := newFixture(t, 10)
	r := newTestRouter(t, f, operator())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/actions/csrf", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	var found bool
	for _, c := range cookies {
		if c.Name == csrf.DefaultCookieName && c.Value != "" {
			found = true
		}
	}
	assert.True(t, found, "csrf cookie not set")
}

func TestHandler_ListAudit(t *testing.T) {
	f := newFixture(t, 10)
	r := newTestRouter(t, f, operator())

	// generate two audit records: one success, one forbidden rejection
	postAction(t, r, fetchCSRF(t, r), &Request{
		Kind: rbac.ActionExtendSubscription, Target: "42",
		Params: map[string]any{"days": 30},
	})
	postAction(t, r, fetchCSRF(t, r), &Request{
		Kind: rbac.ActionBlockUser, Target: "42",
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/audit?limit=10", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Records []struct {
			Action  string `json:"action"`
			Outcome string `json:"outcome"`
		} `json:"records"`
		NextCursor string `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Records, 2)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/audit?outcome=rejected", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, "block_user", body.Records[0].Action)
}

func TestHandler_ExecuteAction_NoSession(t *testing.T) {
	f := newFixture(t, 10)
	gin.SetMode(gin.TestMode)
	handler := NewHandler(f.orch, f.csrf, f.auditor, "", "", time.Minute)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterProtectedRoutes(v1)

	w := postAction(t, r, "", &Request{Kind: rbac.ActionSyncRemote})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
