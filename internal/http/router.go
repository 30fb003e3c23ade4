// Package httpapi wires the HTTP transport (Gin) to the webhook handler and
// middleware. It centralizes cross-cutting concerns: tracing, correlation
// IDs, logging, panic recovery, metrics, body limits, and rate limiting.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs (route pattern only; the path embeds a secret)
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per IP)
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/faba-community/activity-bot/internal/bot"
	"github.com/faba-community/activity-bot/internal/config"
	"github.com/faba-community/activity-bot/internal/http/handlers"
	"github.com/faba-community/activity-bot/internal/http/middleware"
	"github.com/faba-community/activity-bot/internal/repo"
)

// RegisterRoutes attaches all middleware and endpoints to the given Gin
// engine: the platform webhook, liveness, and Prometheus metrics.
func RegisterRoutes(r *gin.Engine, d *bot.Dispatcher, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())

	// Platform updates are small; 1 MiB is generous headroom.
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	r.Use(rl.Handler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": "route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"code": "method_not_allowed", "message": "method not allowed"})
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := &handlers.WebhookHandler{
		Dispatch: d,
		MarkProcessed: func(ctx context.Context, updateID int64) error {
			return repo.MarkUpdateProcessed(ctx, db, updateID, cfg.UpdateTTL)
		},
	}
	r.POST(WebhookPath(cfg.WebhookSecret), h.Webhook)
}

// WebhookPath returns the webhook route, appending the shared secret as a
// path segment when one is configured. Guessing the path is then as hard as
// guessing the secret, which is the platform-recommended posture.
func WebhookPath(secret string) string {
	if secret == "" {
		return "/webhook"
	}
	return "/webhook/" + secret
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader; oversized bodies error on read downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
