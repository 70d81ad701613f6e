// Package server exposes the Ollama-compatible HTTP surface and wires
// the gateway together.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sollol/sollol/api"
	"github.com/sollol/sollol/metrics"
	"github.com/sollol/sollol/router"
	"github.com/sollol/sollol/version"
)

// maxRequestBody bounds inbound payloads; prompts are text, not blobs.
const maxRequestBody = 32 << 20

type Server struct {
	core *router.Router
}

func NewServer(core *router.Router) *Server {
	return &Server{core: core}
}

// GenerateRoutes builds the gin handler tree.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	corsConfig.AllowAllOrigins = true

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(corsConfig), requestID())

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "SOLLOL is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "SOLLOL is running") })

	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.Version})
	})

	r.POST("/api/chat", s.proxy("/api/chat"))
	r.POST("/api/generate", s.proxy("/api/generate"))
	r.POST("/api/embed", s.proxy("/api/embed"))

	r.GET("/api/health", func(c *gin.Context) {
		h := s.core.Health()
		status := http.StatusOK
		if h["status"] == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, h)
	})

	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.core.Stats())
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// requestID tags every request so routing metadata and logs correlate.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// proxy reads the raw body and hands it to the routing core. The body
// is never re-parsed here; classification and forwarding both work on
// the same bytes.
func (s *Server) proxy(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
		if err != nil {
			abortWithKind(c, endpoint, router.KindBadRequest, "cannot read request body", err)
			return
		}

		start := time.Now()
		resp, err := s.core.Route(c.Request.Context(), endpoint, body)
		metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

		if err != nil {
			kind := router.KindOf(err)
			detail := ""
			var routeErr *router.Error
			if errors.As(err, &routeErr) {
				detail = routeErr.Detail
			}
			abortWithKind(c, endpoint, kind, detail, err)
			return
		}

		if ri, ok := resp["_routing"].(*api.RoutingInfo); ok {
			ri.RequestID = c.GetString("request_id")
		}

		metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(http.StatusOK)).Inc()
		c.JSON(http.StatusOK, resp)
	}
}

func abortWithKind(c *gin.Context, endpoint string, kind router.Kind, detail string, err error) {
	status := router.StatusCode(kind)
	metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "endpoint", endpoint, "kind", kind, "error", err)
	} else {
		slog.Debug("request rejected", "endpoint", endpoint, "kind", kind, "error", err)
	}

	if detail == "" && err != nil {
		detail = err.Error()
	}
	c.JSON(status, gin.H{
		"error":  detail,
		"kind":   kind,
		"detail": err.Error(),
	})
}
