package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAdmin is the gin context key holding the resolved identity.
	ContextKeyAdmin = "adminIdentity"
	// ContextKeySession holds the raw session token of the resolved
	// identity, for binding other secrets (CSRF) to the session.
	ContextKeySession = "adminSession"
	// SessionCookieName is the cookie carrying the session token.
	SessionCookieName = "botadmin_session"
)

// Middleware resolves the session token from the Authorization header or
// the session cookie and stores the identity in the gin context.
// Requests without a resolvable session pass through unauthenticated;
// RequireAdmin gates the protected routes.
func Middleware(provider Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			if cookie, err := c.Cookie(SessionCookieName); err == nil {
				token = cookie
			}
		}

		if token != "" {
			admin, err := provider.Resolve(c.Request.Context(), token)
			if err == nil {
				c.Set(ContextKeyAdmin, admin)
				c.Set(ContextKeySession, token)
			}
		}

		c.Next()
	}
}

// RequireAdmin rejects requests that did not resolve to an identity.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAdmin); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Active admin session required.",
			})
			return
		}
		c.Next()
	}
}

// FromGin returns the resolved identity from the gin context.
func FromGin(c *gin.Context) (*AdminIdentity, bool) {
	v, exists := c.Get(ContextKeyAdmin)
	if !exists {
		return nil, false
	}
	admin, ok := v.(*AdminIdentity)
	return admin, ok
}

// SessionFromGin returns the raw session token the identity was resolved
// from.
func SessionFromGin(c *gin.Context) string {
	return c.GetString(ContextKeySession)
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
