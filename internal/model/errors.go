package model

import "errors"

var (
	// ErrInvalidRequest 请求参数不合法，在任何工作开始前被拒绝。
	ErrInvalidRequest = errors.New("invalid research request")
	// ErrNotFound 会话或工作流不存在。
	ErrNotFound = errors.New("not found")
	// ErrForbidden 调用方不是会话所有者。
	ErrForbidden = errors.New("forbidden")
	// ErrPersistenceWriteFailed 持久化写入失败，流水线会立即终止。
	ErrPersistenceWriteFailed = errors.New("persistence write failed")
	// ErrInvalidTransition 会话状态迁移不满足单调性。
	ErrInvalidTransition = errors.New("invalid session status transition")
)
