package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// checkTimeout bounds a full health sweep so a hung dependency cannot
// stall the probe.
const checkTimeout = 5 * time.Second

// HTTPHandler serves the aggregate health report. Returns 503 when any
// registered subsystem is unhealthy.
func (r *Registry) HTTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()

		healthy, statuses := r.CheckAll(ctx)
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"healthy": healthy,
			"checks":  statuses,
		})
	}
}
