package handler

import (
	"net/http"
	"persona-research-go/internal/middleware"
	"persona-research-go/internal/service"
	"persona-research-go/pkg/log"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ResearchHandler 负责处理研究会话相关的 API 请求。
type ResearchHandler struct {
	researchService service.ResearchService
}

// NewResearchHandler 创建一个新的 ResearchHandler 实例。
func NewResearchHandler(researchService service.ResearchService) *ResearchHandler {
	return &ResearchHandler{researchService: researchService}
}

// SubmitResearchRequest 定义了提交研究 API 的请求体结构。
type SubmitResearchRequest struct {
	ResearchQuestion  string `json:"research_question" binding:"required"`
	TargetDemographic string `json:"target_demographic" binding:"required"`
	NumInterviews     *int   `json:"num_interviews"`
	NumQuestions      *int   `json:"num_questions"`
}

// Submit 提交一次研究，立即返回会话 ID，研究在后台执行。
func (h *ResearchHandler) Submit(c *gin.Context) {
	var req SubmitResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Submit: Invalid request payload, error: %v", err)
		fail(c, http.StatusBadRequest, "无效的请求负载：research_question 和 target_demographic 不能为空")
		return
	}

	result, err := h.researchService.SubmitResearch(c.Request.Context(), service.SubmitRequest{
		ResearchQuestion:  req.ResearchQuestion,
		TargetDemographic: req.TargetDemographic,
		NumInterviews:     req.NumInterviews,
		NumQuestions:      req.NumQuestions,
		OwnerID:           middleware.OwnerFrom(c),
	})
	if err != nil {
		respondError(c, "Submit", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    http.StatusAccepted,
		"message": "研究已提交",
		"data":    result,
	})
}

// queryLimit 解析可选的 limit 参数，缺省返回 0。
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}

// List 返回调用方可见的会话列表。
func (h *ResearchHandler) List(c *gin.Context) {
	limit, valid := queryLimit(c)
	if !valid {
		fail(c, http.StatusBadRequest, "limit 必须是非负整数")
		return
	}
	sessions, err := h.researchService.ListSessions(c.Request.Context(), middleware.OwnerFrom(c), limit)
	if err != nil {
		respondError(c, "List", err)
		return
	}
	ok(c, "获取会话列表成功", sessions)
}

// Stats 返回仪表盘统计数据。
func (h *ResearchHandler) Stats(c *gin.Context) {
	stats, err := h.researchService.Stats(c.Request.Context(), middleware.OwnerFrom(c))
	if err != nil {
		respondError(c, "Stats", err)
		return
	}
	ok(c, "获取统计数据成功", stats)
}

// Search 全文检索已完成的会话。
func (h *ResearchHandler) Search(c *gin.Context) {
	limit, valid := queryLimit(c)
	if !valid {
		fail(c, http.StatusBadRequest, "limit 必须是非负整数")
		return
	}
	hits, err := h.researchService.SearchSessions(c.Request.Context(), middleware.OwnerFrom(c), c.Query("q"), limit)
	if err != nil {
		respondError(c, "Search", err)
		return
	}
	ok(c, "检索成功", hits)
}

// Get 返回会话详情。
func (h *ResearchHandler) Get(c *gin.Context) {
	detail, err := h.researchService.GetSession(c.Request.Context(), c.Param("sessionId"), middleware.OwnerFrom(c))
	if err != nil {
		respondError(c, "Get", err)
		return
	}
	ok(c, "获取会话成功", detail)
}

// Archive 返回已完成会话快照的临时下载链接。
func (h *ResearchHandler) Archive(c *gin.Context) {
	url, expiry, err := h.researchService.GetArchiveURL(c.Request.Context(), c.Param("sessionId"), middleware.OwnerFrom(c))
	if err != nil {
		respondError(c, "Archive", err)
		return
	}
	ok(c, "获取归档链接成功", gin.H{"url": url, "expires_in": int(expiry.Seconds())})
}

// Delete 删除会话及其所有数据。
func (h *ResearchHandler) Delete(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.researchService.DeleteSession(c.Request.Context(), sessionID, middleware.OwnerFrom(c)); err != nil {
		respondError(c, "Delete", err)
		return
	}
	ok(c, "会话已删除", gin.H{"session_id": sessionID})
}
