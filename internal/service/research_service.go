// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"persona-research-go/internal/config"
	"persona-research-go/internal/model"
	"persona-research-go/internal/repository"
	"persona-research-go/internal/tracker"
	"persona-research-go/pkg/log"
	"persona-research-go/pkg/tasks"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSearchDisabled 表示未启用 Elasticsearch，无法检索。
	ErrSearchDisabled = errors.New("session search is disabled")
	// ErrArchiveDisabled 表示未启用 MinIO 归档。
	ErrArchiveDisabled = errors.New("session archive is disabled")
)

const (
	recentSessions   = 5
	archiveURLExpiry = 15 * time.Minute
)

// SubmitRequest 是提交研究的参数。数量为 nil 时使用默认值。
type SubmitRequest struct {
	ResearchQuestion  string
	TargetDemographic string
	NumInterviews     *int
	NumQuestions      *int
	OwnerID           *string
}

// SubmitResult 是提交后立即返回的结果，研究在后台执行。
type SubmitResult struct {
	SessionID  string              `json:"session_id"`
	WorkflowID string              `json:"workflow_id"`
	Status     model.SessionStatus `json:"status"`
}

// RunCanceller 取消本进程中正在执行的运行。
type RunCanceller interface {
	Cancel(ctx context.Context, sessionID string) bool
}

// SessionArchive 是已完成会话的快照归档。
type SessionArchive interface {
	DeleteArchive(ctx context.Context, sessionID string) error
	PresignedURL(ctx context.Context, sessionID string, expiry time.Duration) (string, error)
}

// SessionIndex 是会话检索索引。
type SessionIndex interface {
	DeleteSession(ctx context.Context, sessionID string) error
	SearchSessions(ctx context.Context, ownerID *string, query string, size int) ([]model.SearchHit, error)
}

// ResearchService 接口定义了研究会话的所有对外操作。
type ResearchService interface {
	SubmitResearch(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	GetSession(ctx context.Context, sessionID string, ownerID *string) (*model.SessionDetail, error)
	GetProgress(ctx context.Context, sessionID string, ownerID *string) (*model.WorkflowProgress, error)
	GetSteps(ctx context.Context, sessionID string, ownerID *string) ([]*model.WorkflowStep, error)
	GetCurrentStep(ctx context.Context, sessionID string, ownerID *string) (*model.CurrentStepView, error)
	GetArchiveURL(ctx context.Context, sessionID string, ownerID *string) (string, time.Duration, error)
	DeleteSession(ctx context.Context, sessionID string, ownerID *string) error
	ListSessions(ctx context.Context, ownerID *string, limit int) ([]model.SessionSummary, error)
	Stats(ctx context.Context, ownerID *string) (*model.DashboardStats, error)
	SearchSessions(ctx context.Context, ownerID *string, query string, limit int) ([]model.SearchHit, error)
}

type researchService struct {
	repo       repository.ResearchRepository
	tracker    *tracker.Tracker
	dispatcher Dispatcher
	runs       RunCanceller
	archive    SessionArchive
	index      SessionIndex
	cfg        config.ResearchConfig
}

// NewResearchService 创建一个新的 ResearchService 实例。runs、archive 和 index 可以为 nil。
func NewResearchService(
	repo repository.ResearchRepository,
	tr *tracker.Tracker,
	dispatcher Dispatcher,
	runs RunCanceller,
	archive SessionArchive,
	index SessionIndex,
	cfg config.ResearchConfig,
) ResearchService {
	return &researchService{
		repo:       repo,
		tracker:    tr,
		dispatcher: dispatcher,
		runs:       runs,
		archive:    archive,
		index:      index,
		cfg:        cfg,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func resolveCount(v *int, def, upper int, field string) (int, error) {
	if v == nil {
		return def, nil
	}
	if *v < 1 || *v > upper {
		return 0, invalid("%s must be between 1 and %d", field, upper)
	}
	return *v, nil
}

// SubmitResearch 校验请求，创建 pending 会话和进度骨架，然后投递任务。
func (s *researchService) SubmitResearch(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	question := strings.TrimSpace(req.ResearchQuestion)
	demographic := strings.TrimSpace(req.TargetDemographic)
	if question == "" {
		return nil, invalid("research_question is required")
	}
	if demographic == "" {
		return nil, invalid("target_demographic is required")
	}
	numInterviews, err := resolveCount(req.NumInterviews, s.cfg.DefaultInterviews, s.cfg.MaxInterviews, "num_interviews")
	if err != nil {
		return nil, err
	}
	numQuestions, err := resolveCount(req.NumQuestions, s.cfg.DefaultQuestions, s.cfg.MaxQuestions, "num_questions")
	if err != nil {
		return nil, err
	}
	var owner *string
	if req.OwnerID != nil && strings.TrimSpace(*req.OwnerID) != "" {
		o := strings.TrimSpace(*req.OwnerID)
		owner = &o
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("生成会话 ID 失败: %w", err)
	}
	sessionID := "research_" + id.String()

	workflowID, err := s.tracker.StartWorkflow(ctx, sessionID, question, numInterviews)
	if err != nil {
		return nil, fmt.Errorf("创建工作流进度失败: %w", err)
	}
	session := &model.ResearchSession{
		SessionID:         sessionID,
		WorkflowID:        workflowID,
		OwnerID:           owner,
		ResearchQuestion:  question,
		TargetDemographic: demographic,
		NumInterviews:     numInterviews,
		NumQuestions:      numQuestions,
		Status:            model.SessionPending,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		if derr := s.tracker.Delete(context.WithoutCancel(ctx), sessionID); derr != nil {
			log.Warnf("[ResearchService] 清理进度记录失败, SessionID: %s, Error: %v", sessionID, derr)
		}
		return nil, fmt.Errorf("%w: create session: %v", model.ErrPersistenceWriteFailed, err)
	}

	task := tasks.ResearchTask{
		SessionID:   sessionID,
		WorkflowID:  workflowID,
		OwnerID:     owner,
		SubmittedAt: time.Now(),
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		log.Errorf("[ResearchService] 投递研究任务失败, SessionID: %s, Error: %v", sessionID, err)
		s.failUndispatched(context.WithoutCancel(ctx), sessionID, workflowID, err)
		return nil, fmt.Errorf("投递研究任务失败: %w", err)
	}

	log.Infof("[ResearchService] 研究已提交, SessionID: %s, WorkflowID: %s, interviews: %d, questions: %d",
		sessionID, workflowID, numInterviews, numQuestions)
	return &SubmitResult{SessionID: sessionID, WorkflowID: workflowID, Status: model.SessionPending}, nil
}

func (s *researchService) failUndispatched(ctx context.Context, sessionID, workflowID string, cause error) {
	msg := "dispatch failed: " + cause.Error()
	if err := s.repo.TransitionStatus(ctx, sessionID, model.SessionFailed, msg); err != nil {
		log.Warnf("[ResearchService] 标记会话失败出错, SessionID: %s, Error: %v", sessionID, err)
	}
	if err := s.tracker.Abort(ctx, workflowID, msg); err != nil {
		log.Warnf("[ResearchService] 中止工作流进度出错, WorkflowID: %s, Error: %v", workflowID, err)
	}
}

// authorize 实现归属规则：有所有者的会话只对所有者可见，匿名会话对持有 ID 的任何人可见。
func authorize(session *model.ResearchSession, ownerID *string) error {
	if session.OwnerID == nil {
		return nil
	}
	if ownerID == nil || *ownerID != *session.OwnerID {
		return model.ErrForbidden
	}
	return nil
}

func (s *researchService) loadAuthorized(ctx context.Context, sessionID string, ownerID *string) (*model.ResearchSession, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(session, ownerID); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession 返回会话、画像、访谈记录与综合分析。
func (s *researchService) GetSession(ctx context.Context, sessionID string, ownerID *string) (*model.SessionDetail, error) {
	session, err := s.loadAuthorized(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	return repository.LoadSessionDetail(ctx, s.repo, session)
}

// GetProgress 返回会话的工作流进度。进度记录过期后返回 ErrNotFound。
func (s *researchService) GetProgress(ctx context.Context, sessionID string, ownerID *string) (*model.WorkflowProgress, error) {
	if _, err := s.loadAuthorized(ctx, sessionID, ownerID); err != nil {
		return nil, err
	}
	return s.tracker.GetProgressBySession(ctx, sessionID)
}

func (s *researchService) GetSteps(ctx context.Context, sessionID string, ownerID *string) ([]*model.WorkflowStep, error) {
	progress, err := s.GetProgress(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	return progress.Steps, nil
}

func (s *researchService) GetCurrentStep(ctx context.Context, sessionID string, ownerID *string) (*model.CurrentStepView, error) {
	progress, err := s.GetProgress(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	return &model.CurrentStepView{
		WorkflowID:         progress.WorkflowID,
		Status:             progress.Status,
		CurrentStep:        progress.CurrentStep,
		ProgressPercentage: progress.ProgressPercentage,
	}, nil
}

// GetArchiveURL 返回已完成会话快照的临时下载链接及其有效期。
func (s *researchService) GetArchiveURL(ctx context.Context, sessionID string, ownerID *string) (string, time.Duration, error) {
	session, err := s.loadAuthorized(ctx, sessionID, ownerID)
	if err != nil {
		return "", 0, err
	}
	if s.archive == nil {
		return "", 0, ErrArchiveDisabled
	}
	if session.Status != model.SessionCompleted {
		return "", 0, fmt.Errorf("%w: session %s has no archive yet", model.ErrNotFound, sessionID)
	}
	url, err := s.archive.PresignedURL(ctx, sessionID, archiveURLExpiry)
	if err != nil {
		return "", 0, err
	}
	return url, archiveURLExpiry, nil
}

// DeleteSession 取消运行中的流程，然后删除会话的所有数据。归档和索引的清理失败只记日志。
func (s *researchService) DeleteSession(ctx context.Context, sessionID string, ownerID *string) error {
	if _, err := s.loadAuthorized(ctx, sessionID, ownerID); err != nil {
		return err
	}

	s.cancelRun(ctx, sessionID)
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	// 删除行之前刚切换为 running 的运行，在这里等它退出后再清理进度
	s.cancelRun(ctx, sessionID)
	if err := s.tracker.Delete(ctx, sessionID); err != nil {
		log.Warnf("[ResearchService] 删除进度记录失败, SessionID: %s, Error: %v", sessionID, err)
	}
	if s.archive != nil {
		if err := s.archive.DeleteArchive(ctx, sessionID); err != nil {
			log.Warnf("[ResearchService] 删除会话归档失败, SessionID: %s, Error: %v", sessionID, err)
		}
	}
	if s.index != nil {
		if err := s.index.DeleteSession(ctx, sessionID); err != nil {
			log.Warnf("[ResearchService] 删除检索文档失败, SessionID: %s, Error: %v", sessionID, err)
		}
	}
	log.Infof("[ResearchService] 会话已删除, SessionID: %s", sessionID)
	return nil
}

// cancelRun 取消会话正在执行的运行并等待其退出。
func (s *researchService) cancelRun(ctx context.Context, sessionID string) {
	if s.runs == nil {
		return
	}
	cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if s.runs.Cancel(cancelCtx, sessionID) {
		log.Infof("[ResearchService] 已取消运行中的研究, SessionID: %s", sessionID)
	}
}

func (s *researchService) clampLimit(limit int) int {
	if limit <= 0 || limit > s.cfg.ListLimit {
		return s.cfg.ListLimit
	}
	return limit
}

// ListSessions 按创建时间倒序返回调用方可见的会话。
func (s *researchService) ListSessions(ctx context.Context, ownerID *string, limit int) ([]model.SessionSummary, error) {
	return s.repo.ListSessions(ctx, ownerID, s.clampLimit(limit))
}

// Stats 返回仪表盘统计。
func (s *researchService) Stats(ctx context.Context, ownerID *string) (*model.DashboardStats, error) {
	return s.repo.Stats(ctx, ownerID, recentSessions)
}

// SearchSessions 在已完成会话的问题、人群和综合分析中全文检索。
func (s *researchService) SearchSessions(ctx context.Context, ownerID *string, query string, limit int) ([]model.SearchHit, error) {
	if s.index == nil {
		return nil, ErrSearchDisabled
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid("q is required")
	}
	return s.index.SearchSessions(ctx, ownerID, query, s.clampLimit(limit))
}
