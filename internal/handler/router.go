package handler

import (
	"persona-research-go/internal/middleware"
	"persona-research-go/internal/service"
	"persona-research-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 创建 Gin 引擎并注册所有路由。verifier 为 nil 时只接受访客请求。
func NewRouter(researchService service.ResearchService, system *SystemHandler, verifier *token.Verifier) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/health", system.Health)
	r.GET("/config", system.Config)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	research := NewResearchHandler(researchService)
	workflow := NewWorkflowHandler(researchService)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.Identity(verifier))
	{
		sessions := apiV1.Group("/research")
		{
			sessions.POST("", research.Submit)
			sessions.GET("", research.List)
			sessions.GET("/stats", research.Stats)
			sessions.GET("/search", research.Search)
			sessions.GET("/:sessionId", research.Get)
			sessions.GET("/:sessionId/archive", research.Archive)
			sessions.DELETE("/:sessionId", research.Delete)
		}

		progress := apiV1.Group("/workflow")
		{
			progress.GET("/:sessionId", workflow.Progress)
			progress.GET("/:sessionId/steps", workflow.Steps)
			progress.GET("/:sessionId/current-step", workflow.CurrentStep)
		}
	}
	return r
}
