package csrf

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Cookie and header names for token delivery. The cookie carries the
// issued token to the browser; submission comes back via the header or a
// form field, which is what makes the check effective against forgery.
const (
	DefaultCookieName = "botadmin_csrf"
	DefaultHeaderName = "X-CSRF-Token"
	formFieldName     = "_csrf_token"
)

// SetCookie writes an issued token to the response cookie.
func SetCookie(c *gin.Context, cookieName, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookieName, token, maxAge, "/", "", false, false)
}

// TokenFromRequest extracts the submitted token: header first, then the
// form field. The cookie alone is never accepted as the submitted value.
func TokenFromRequest(c *gin.Context, headerName string) string {
	if t := c.GetHeader(headerName); t != "" {
		return t
	}
	return c.PostForm(formFieldName)
}
