package server

import (
	"net/http"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/nulzo/streamrelay/internal/server/middleware"
	v1 "github.com/nulzo/streamrelay/internal/server/v1"
	"github.com/nulzo/streamrelay/internal/server/validator"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Router     v1.Router
	Engine     v1.Attempter
	Pending    v1.PendingRecorder
	Unrouted   v1.UnroutedCommitter
	Usage      v1.UsageReader
	Candidates v1.CandidateLister
	Formats    *format.Registry
	Version    string
}

type Server struct {
	router *gin.Engine
	config *config.Config
	logger *zap.Logger
	deps   Deps
}

func New(cfg *config.Config, logger *zap.Logger, deps Deps) *Server {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	validator.InitValidator()

	engine := gin.New()

	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger(logger))
	if cfg.Tracing.Enabled {
		engine.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}

	s := &Server{
		router: engine,
		config: cfg,
		logger: logger,
		deps:   deps,
	}

	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
