package handler

import (
	"context"
	"net/http"
	"persona-research-go/internal/config"
	"time"

	"github.com/gin-gonic/gin"
)

// PingFunc 检查某个依赖是否可用。
type PingFunc func(ctx context.Context) error

// SystemHandler 提供健康检查和前端所需的公开配置。
type SystemHandler struct {
	research      config.ResearchConfig
	workflow      config.WorkflowConfig
	searchEnabled bool
	authEnabled   bool
	ping          PingFunc
}

func NewSystemHandler(research config.ResearchConfig, workflow config.WorkflowConfig, searchEnabled, authEnabled bool, ping PingFunc) *SystemHandler {
	return &SystemHandler{
		research:      research,
		workflow:      workflow,
		searchEnabled: searchEnabled,
		authEnabled:   authEnabled,
		ping:          ping,
	}
}

// Health 检查数据库连接。
func (h *SystemHandler) Health(c *gin.Context) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    http.StatusServiceUnavailable,
				"message": "数据库不可用",
				"data":    gin.H{"status": "unhealthy"},
			})
			return
		}
	}
	ok(c, "ok", gin.H{"status": "healthy", "time": time.Now().UTC()})
}

// Config 返回提交表单的默认值、上限以及建议的轮询间隔。
func (h *SystemHandler) Config(c *gin.Context) {
	ok(c, "ok", gin.H{
		"default_interviews": h.research.DefaultInterviews,
		"default_questions":  h.research.DefaultQuestions,
		"max_interviews":     h.research.MaxInterviews,
		"max_questions":      h.research.MaxQuestions,
		"poll_interval_ms":   h.workflow.PollInterval.Milliseconds(),
		"search_enabled":     h.searchEnabled,
		"auth_enabled":       h.authEnabled,
	})
}
