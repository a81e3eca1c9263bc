package server

import (
	"github.com/gin-gonic/gin"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/config"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/middleware"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/rotator"
)

// Server owns the HTTP surface over the rotating client.
type Server struct {
	cfg    *config.Config
	client *rotator.RotatingClient
	filter *rotator.ModelFilter
}

// New creates the server.
func New(cfg *config.Config, client *rotator.RotatingClient, filter *rotator.ModelFilter) *Server {
	return &Server{cfg: cfg, client: client, filter: filter}
}

// Engine builds the gin engine with the full middleware chain and routes.
func (s *Server) Engine() *gin.Engine {
	if !s.cfg.Security.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	engine.Use(middleware.RequestID())
	if s.cfg.EnableRequestLogging {
		engine.Use(middleware.RequestLogger())
	}
	engine.Use(middleware.Recovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.RateLimiter(s.cfg.Security.RateLimitRPS, 0))

	engine.GET("/healthz", s.handleHealthz)

	v1 := engine.Group("/v1", middleware.BearerAuth(s.cfg.Security.ProxyAPIKey))
	{
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.POST("/embeddings", s.handleEmbeddings)
		v1.GET("/models", s.handleModels)
		v1.GET("/models-enriched", s.handleModelsEnriched)
		// Wildcard because model ids carry a provider prefix (openai/gpt-x).
		v1.GET("/model-info/*id", s.handleModelInfo)
		v1.POST("/token-count", s.handleTokenCount)
		v1.POST("/cost-estimate", s.handleCostEstimate)
		v1.GET("/providers", s.handleProviders)
	}
	return engine
}
