package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"outbound-voice/internal/auth"
	"outbound-voice/internal/config"
	"outbound-voice/internal/httpapi"
	"outbound-voice/internal/telephony"
)

// registerRoutes wires HTTP routes to handlers. No business logic lives here.
func registerRoutes(r *gin.Engine, cfg config.Config, a *app) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := a.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	// Provider callbacks are public; the webhook is authenticated by signature.
	webhook := telephony.WebhookHandler{
		Sink:     a.orchestrator,
		Verifier: a.verifier,
		Timeout:  cfg.Timing.ProviderTimeout,
	}
	r.POST("/webhooks/telnyx", webhook.Handle)

	media := &telephony.MediaHandler{Sink: a.recognition}
	r.POST("/streams/audio", media.HandleFrame)
	r.GET("/streams/audio/ws", media.HandleStream)

	h := httpapi.Handlers{
		Auth:      a.auth,
		Calls:     a.orchestrator,
		Store:     a.store,
		Reporting: a.reporting,
		Audit:     a.audit,
	}

	v1 := r.Group("/v1")
	if !cfg.IsProduction() {
		v1.POST("/auth/login", h.Login)
	}

	callRoutes := v1.Group("/calls", auth.RequireAccessToken(a.auth), httpapi.CallRoles())
	{
		callRoutes.POST("", h.CreateCall)
		callRoutes.GET("", h.ListCalls)
		callRoutes.GET("/stats", h.CallStats)
		callRoutes.GET("/:id", h.GetCall)
		callRoutes.GET("/:id/events", h.CallEvents)
		callRoutes.POST("/:id/hangup", h.HangupCall)
	}
}
