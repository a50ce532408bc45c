package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Binding is one registry entry as shown on the admin surface.
type Binding struct {
	ID   uint32 `json:"id"`
	Type string `json:"type"`
}

// AdminSource supplies the live state the admin router reports.
type AdminSource interface {
	SessionCount() int
	Bindings() []Binding
	Running() bool
}

// NewAdminRouter builds the health/metrics/registry HTTP surface.
// guards run after the access log, before the routes.
func NewAdminRouter(src AdminSource, logger zerolog.Logger, guards ...gin.HandlerFunc) *gin.Engine {
	RegisterMetrics()
	startedAt := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(AccessLog(logger))
	r.Use(guards...)

	r.GET("/health", func(c *gin.Context) {
		status := "ok"
		code := http.StatusOK
		if !src.Running() {
			status = "stopped"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":   status,
			"uptime":   time.Since(startedAt).String(),
			"sessions": src.SessionCount(),
		})
	})
	r.GET("/registry", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"bindings": src.Bindings()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
