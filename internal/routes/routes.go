package routes

import (
	"pushrelay/internal/auth"
	"pushrelay/internal/handlers"

	"github.com/labstack/echo/v4"
)

func SetupRoutes(api *echo.Group, push *handlers.PushHandler) {
	// Public routes
	api.GET("/health", handlers.HealthCheck)

	p := api.Group("/push")

	// Key material for client-side subscription creation.
	p.GET("/config", push.Config)

	// Registration accepts anonymous devices, but a supplied credential
	// must be valid. Rate limited: this is the only unauthenticated write.
	p.POST("/subscribe", push.Subscribe, auth.OptionalJWTMiddleware, auth.RateLimitMiddleware)
	p.DELETE("/subscribe", push.Unsubscribe, auth.OptionalJWTMiddleware)

	// Operator surface, gated by the shared admin secret.
	p.POST("/send", push.AdminSend, auth.AdminTokenMiddleware)
	p.GET("/retries/:id", push.RetryStatus, auth.AdminTokenMiddleware)

	// End-user surface.
	p.POST("/selftest", push.SelfTest, auth.JWTMiddleware)
	p.GET("/selftest/:id", push.SelfTestStatus, auth.JWTMiddleware)
	p.POST("/delivered", push.Delivered, auth.JWTMiddleware)
}
