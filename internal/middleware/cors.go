package middleware

import (
	"net/http"
	"strings"

	"flowcrm/internal/config"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware applies the configured CORS headers. If disabled, it no-ops.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	cc := cfg.Security.CORS
	if !cc.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	origins := strings.Join(cc.AllowedOrigins, ", ")
	methods := strings.Join(cc.AllowedMethods, ", ")
	headers := strings.Join(cc.AllowedHeaders, ", ")

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
