package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailtriage/config"
	"mailtriage/internal/ratelimit"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	authHandler *AuthHandler,
	triageHandler *TriageHandler,
	limiter *ratelimit.Limiter,
	jwtSecret string,
	rlCfg config.RateLimitConfig,
) *Router {
	r := gin.Default()

	r.Use(TraceMiddleware(), MetricsMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public: credential-issuing endpoints get the tightest budget
	authLimited := r.Group("/")
	authLimited.Use(RateLimitMiddleware(limiter, "auth", rlCfg.Auth))
	{
		authLimited.POST("/register", authHandler.Register)
		authLimited.POST("/login", authHandler.Login)
	}

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		read := auth.Group("/")
		read.Use(RateLimitMiddleware(limiter, "read", rlCfg.Read))
		{
			read.GET("/emails", triageHandler.ListEmails)
			read.PUT("/emails/:id/category", triageHandler.OverrideCategory)
			read.GET("/sync/status", triageHandler.Progress)
		}

		trigger := auth.Group("/")
		trigger.Use(RateLimitMiddleware(limiter, "trigger", rlCfg.Trigger))
		{
			trigger.POST("/sync/bulk", triageHandler.TriggerBulk)
			trigger.POST("/sync/incremental", triageHandler.TriggerIncremental)
			trigger.POST("/sync/reset", triageHandler.Reset)
		}
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
