// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"persona-research-go/internal/model"
	"persona-research-go/internal/service"
	"persona-research-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": message,
		"data":    data,
	})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
	})
}

// statusOf 把领域错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSearchDisabled), errors.Is(err, service.ErrArchiveDisabled),
		errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 记录日志并返回统一的错误响应。5xx 不把内部错误细节返回给调用方。
func respondError(c *gin.Context, op string, err error) {
	status := statusOf(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Errorf("%s: 内部错误, path: %s, error: %v", op, c.Request.URL.Path, err)
		message = "服务器内部错误"
	} else {
		log.Warnf("%s: 请求失败, path: %s, status: %d, error: %v", op, c.Request.URL.Path, status, err)
	}
	fail(c, status, message)
}
