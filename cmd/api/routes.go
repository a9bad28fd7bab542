package main

import (
	"context"
	"net/http"

	"salescall-platform/internal/httpapi"
	"salescall-platform/internal/observe"
	"salescall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, metrics *observe.Metrics, authMW gin.HandlerFunc, ready ...func(context.Context) error) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		for _, check := range ready {
			if err := check(c.Request.Context()); err != nil {
				logger.FromGin(c).Warn("readiness check failed", "err", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/")
	api.Use(observe.GinMiddleware(metrics))

	// protected API group
	v1 := api.Group("/v1")
	v1.Use(authMW)

	// The workflow posts to /calls/:id/callback without credentials.
	h.Mount(api, v1)
}
