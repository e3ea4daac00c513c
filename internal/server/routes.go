package server

import (
	"github.com/nulzo/streamrelay/internal/server/middleware"
	v1 "github.com/nulzo/streamrelay/internal/server/v1"
)

func (s *Server) SetupRoutes() {
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.ErrorHandler(s.logger))

	health := v1.NewHealthHandler(s.deps.Version)
	s.router.GET("/health", health.Health)

	limiter := middleware.NewRateLimiter(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst, s.logger)

	api := s.router.Group("/")
	api.Use(limiter.Middleware())
	api.Use(middleware.Auth(s.config.Server.APIKeys))
	{
		relayHandler := v1.NewRelayHandler(s.deps.Router, s.deps.Engine, s.deps.Pending, s.deps.Unrouted, s.deps.Formats, s.logger)
		api.POST("/v1/messages", relayHandler.Messages)
		api.POST("/v1/chat/completions", relayHandler.ChatCompletions)
		api.POST("/v1/responses", relayHandler.Responses)
		api.POST("/v1beta/models/*action", relayHandler.Gemini)

		usageHandler := v1.NewUsageHandler(s.deps.Usage, s.deps.Candidates)
		api.GET("/v1/usage/:id", usageHandler.GetUsage)
	}
}
