package handler

import (
	"persona-research-go/internal/middleware"
	"persona-research-go/internal/service"

	"github.com/gin-gonic/gin"
)

// WorkflowHandler 提供工作流进度的轮询接口。
type WorkflowHandler struct {
	researchService service.ResearchService
}

func NewWorkflowHandler(researchService service.ResearchService) *WorkflowHandler {
	return &WorkflowHandler{researchService: researchService}
}

// Progress 返回完整的进度快照。
func (h *WorkflowHandler) Progress(c *gin.Context) {
	progress, err := h.researchService.GetProgress(c.Request.Context(), c.Param("sessionId"), middleware.OwnerFrom(c))
	if err != nil {
		respondError(c, "Progress", err)
		return
	}
	ok(c, "获取进度成功", progress)
}

func (h *WorkflowHandler) Steps(c *gin.Context) {
	steps, err := h.researchService.GetSteps(c.Request.Context(), c.Param("sessionId"), middleware.OwnerFrom(c))
	if err != nil {
		respondError(c, "Steps", err)
		return
	}
	ok(c, "获取步骤成功", steps)
}

func (h *WorkflowHandler) CurrentStep(c *gin.Context) {
	view, err := h.researchService.GetCurrentStep(c.Request.Context(), c.Param("sessionId"), middleware.OwnerFrom(c))
	if err != nil {
		respondError(c, "CurrentStep", err)
		return
	}
	ok(c, "获取当前步骤成功", view)
}
