package actions

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/botadmin/internal/audit"
	"github.com/mbd888/botadmin/internal/csrf"
	"github.com/mbd888/botadmin/internal/identity"
	"github.com/mbd888/botadmin/internal/logging"
	"github.com/mbd888/botadmin/internal/rbac"
	"github.com/mbd888/botadmin/internal/validation"
)

// Handler provides the HTTP surface for action execution and the audit
// trail.
type Handler struct {
	orchestrator *Orchestrator
	csrfManager  *csrf.Manager
	auditor      audit.Logger

	csrfCookieName string
	csrfHeaderName string
	csrfTTL        time.Duration
}

// NewHandler creates a new actions handler.
func NewHandler(orchestrator *Orchestrator, csrfManager *csrf.Manager, auditor audit.Logger, cookieName, headerName string, csrfTTL time.Duration) *Handler {
	if cookieName == "" {
		cookieName = csrf.DefaultCookieName
	}
	if headerName == "" {
		headerName = csrf.DefaultHeaderName
	}
	return &Handler{
		orchestrator:   orchestrator,
		csrfManager:    csrfManager,
		auditor:        auditor,
		csrfCookieName: cookieName,
		csrfHeaderName: headerName,
		csrfTTL:        csrfTTL,
	}
}

// RegisterProtectedRoutes sets up the action routes; all of them require
// an authenticated admin.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/actions", h.ExecuteAction)
	r.GET("/actions/csrf", h.IssueCSRF)
	r.GET("/audit", h.ListAudit)
}

// ExecuteAction handles POST /v1/actions
func (h *Handler) ExecuteAction(c *gin.Context) {
	admin, ok := identity.FromGin(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Active admin session required.",
		})
		return
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body is not a valid action request.",
		})
		return
	}

	req.Target = validation.SanitizeString(req.Target, validation.MaxTargetLength)
	validation.SanitizeParams(req.Params)

	meta := Meta{
		RequestID: logging.RequestID(c.Request.Context()),
		IP:        c.ClientIP(),
		SessionID: identity.SessionFromGin(c),
		CSRFToken: csrf.TokenFromRequest(c, h.csrfHeaderName),
	}

	outcome, err := h.orchestrator.Execute(c.Request.Context(), admin, &req, meta)
	if err != nil {
		if errors.Is(err, ErrUnconfirmedOutcome) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   string(ErrorAuditWriteFailed),
				"message": "The action may have been applied but its outcome could not be recorded. Verify manually before retrying.",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	h.writeOutcome(c, outcome)
}

func (h *Handler) writeOutcome(c *gin.Context, outcome *Outcome) {
	switch outcome.Status {
	case StatusDone:
		c.JSON(http.StatusOK, gin.H{
			"status":   outcome.Status,
			"result":   outcome.Result,
			"audit_id": outcome.AuditID,
		})
	case StatusConfirmationRequired:
		c.JSON(http.StatusAccepted, gin.H{
			"status":  outcome.Status,
			"message": outcome.Reason,
			"ticket":  outcome.Ticket,
		})
	case StatusRejected:
		status := http.StatusForbidden
		body := gin.H{
			"status":   outcome.Status,
			"error":    string(outcome.ErrorKind),
			"message":  outcome.Reason,
			"audit_id": outcome.AuditID,
		}
		switch outcome.ErrorKind {
		case ErrorInvalidRequest:
			status = http.StatusBadRequest
		case ErrorRateLimited:
			status = http.StatusTooManyRequests
			retryAfter := int(outcome.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			body["retry_after_seconds"] = retryAfter
		}
		c.JSON(status, body)
	default: // StatusFailed
		status := http.StatusBadGateway
		if outcome.ErrorKind == ErrorInternal {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"status":   outcome.Status,
			"error":    string(outcome.ErrorKind),
			"message":  outcome.Reason,
			"audit_id": outcome.AuditID,
		})
	}
}

// IssueCSRF handles GET /v1/actions/csrf
func (h *Handler) IssueCSRF(c *gin.Context) {
	session := identity.SessionFromGin(c)
	if session == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Active admin session required.",
		})
		return
	}

	token := h.csrfManager.Issue(session)
	csrf.SetCookie(c, h.csrfCookieName, token, int(h.csrfTTL.Seconds()))
	c.JSON(http.StatusOK, gin.H{
		"csrf_token": token,
		"header":     h.csrfHeaderName,
		"expires_in": int(h.csrfTTL.Seconds()),
	})
}

// ListAudit handles GET /v1/audit
func (h *Handler) ListAudit(c *gin.Context) {
	q := audit.Query{
		Action:  rbac.ActionKind(c.Query("action")),
		Outcome: audit.Outcome(c.Query("outcome")),
		Cursor:  c.Query("cursor"),
	}
	if raw := c.Query("admin_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "admin_id must be an integer.",
			})
			return
		}
		q.AdminID = id
	}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit <= 200 {
			q.Limit = limit
		}
	}

	records, next, err := h.auditor.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records":     records,
		"next_cursor": next,
	})
}
