// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"persona-research-go/internal/model"
	"time"

	"gorm.io/gorm"
)

// ResearchRepository 接口定义了研究会话、画像与访谈记录的持久化操作。
type ResearchRepository interface {
	CreateSession(ctx context.Context, session *model.ResearchSession) error
	GetSession(ctx context.Context, sessionID string) (*model.ResearchSession, error)
	// TransitionStatus 仅在当前状态属于合法前置状态时更新，否则返回 ErrInvalidTransition。
	TransitionStatus(ctx context.Context, sessionID string, to model.SessionStatus, errMsg string) error
	SaveQuestions(ctx context.Context, sessionID string, questions []string) error
	// CompleteSession 写入综合分析并把会话从 running 迁移到 completed。
	CompleteSession(ctx context.Context, sessionID, synthesis string) error
	CreatePersonas(ctx context.Context, personas []*model.Persona) error
	ListPersonas(ctx context.Context, sessionID string) ([]model.Persona, error)
	CreateInterviewResponse(ctx context.Context, resp *model.InterviewResponse) error
	ListInterviewResponses(ctx context.Context, sessionID string) ([]model.InterviewResponse, error)
	ListSessions(ctx context.Context, ownerID *string, limit int) ([]model.SessionSummary, error)
	DeleteSession(ctx context.Context, sessionID string) error
	FindStale(ctx context.Context, before time.Time) ([]model.ResearchSession, error)
	Stats(ctx context.Context, ownerID *string, recent int) (*model.DashboardStats, error)
}

type researchRepository struct {
	db *gorm.DB
}

// NewResearchRepository 创建一个新的 ResearchRepository 实例。
func NewResearchRepository(db *gorm.DB) ResearchRepository {
	return &researchRepository{db: db}
}

// CreateSession 插入一条新的会话记录。
func (r *researchRepository) CreateSession(ctx context.Context, session *model.ResearchSession) error {
	if session.Status == "" {
		session.Status = model.SessionPending
	}
	if len(session.Questions) == 0 {
		session.Questions = model.EncodeStrings(nil)
	}
	return r.db.WithContext(ctx).Create(session).Error
}

// GetSession 根据 session_id 查询会话。
func (r *researchRepository) GetSession(ctx context.Context, sessionID string) (*model.ResearchSession, error) {
	var session model.ResearchSession
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// TransitionStatus 以条件更新的方式推进会话状态。
func (r *researchRepository) TransitionStatus(ctx context.Context, sessionID string, to model.SessionStatus, errMsg string) error {
	preds := to.AllowedPredecessors()
	if len(preds) == 0 {
		return fmt.Errorf("%w: no predecessor leads to %s", model.ErrInvalidTransition, to)
	}
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	if to.IsTerminal() {
		updates["completed_at"] = time.Now()
	}
	res := r.db.WithContext(ctx).Model(&model.ResearchSession{}).
		Where("session_id = ? AND status IN ?", sessionID, preds).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.explainNoop(ctx, sessionID, to)
	}
	return nil
}

// SaveQuestions 持久化生成的访谈问题。
func (r *researchRepository) SaveQuestions(ctx context.Context, sessionID string, questions []string) error {
	res := r.db.WithContext(ctx).Model(&model.ResearchSession{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"questions":  model.EncodeStrings(questions),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CompleteSession 写入综合分析并完成会话，两者在同一条 UPDATE 中生效。
func (r *researchRepository) CompleteSession(ctx context.Context, sessionID, synthesis string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.ResearchSession{}).
		Where("session_id = ? AND status IN ?", sessionID, model.SessionCompleted.AllowedPredecessors()).
		Updates(map[string]interface{}{
			"synthesis":    synthesis,
			"status":       model.SessionCompleted,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.explainNoop(ctx, sessionID, model.SessionCompleted)
	}
	return nil
}

func (r *researchRepository) explainNoop(ctx context.Context, sessionID string, to model.SessionStatus) error {
	current, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current.Status, to)
}

// CreatePersonas 在一个事务中批量插入画像，写入后回填主键。
func (r *researchRepository) CreatePersonas(ctx context.Context, personas []*model.Persona) error {
	if len(personas) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(personas).Error
	})
}

// ListPersonas 按 position 顺序返回会话的画像。
func (r *researchRepository) ListPersonas(ctx context.Context, sessionID string) ([]model.Persona, error) {
	var personas []model.Persona
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("position ASC").Find(&personas).Error
	return personas, err
}

// CreateInterviewResponse 写入一问一答。
func (r *researchRepository) CreateInterviewResponse(ctx context.Context, resp *model.InterviewResponse) error {
	return r.db.WithContext(ctx).Create(resp).Error
}

// ListInterviewResponses 返回会话下所有回答，按画像与序号排序。
func (r *researchRepository) ListInterviewResponses(ctx context.Context, sessionID string) ([]model.InterviewResponse, error) {
	var responses []model.InterviewResponse
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("persona_id ASC").Order("sequence ASC").
		Find(&responses).Error
	return responses, err
}

func scopeOwner(db *gorm.DB, ownerID *string) *gorm.DB {
	if ownerID == nil {
		return db.Where("owner_id IS NULL")
	}
	return db.Where("owner_id = ?", *ownerID)
}

// ListSessions 按创建时间倒序返回会话摘要，附带画像数量。
func (r *researchRepository) ListSessions(ctx context.Context, ownerID *string, limit int) ([]model.SessionSummary, error) {
	var sessions []model.ResearchSession
	q := scopeOwner(r.db.WithContext(ctx).Model(&model.ResearchSession{}), ownerID).
		Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return []model.SessionSummary{}, nil
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}
	var counts []struct {
		SessionID string
		Count     int64
	}
	err := r.db.WithContext(ctx).Model(&model.Persona{}).
		Select("session_id, COUNT(*) AS count").
		Where("session_id IN ?", ids).
		Group("session_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	countBySession := make(map[string]int64, len(counts))
	for _, c := range counts {
		countBySession[c.SessionID] = c.Count
	}

	summaries := make([]model.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, model.SessionSummary{
			SessionID:         s.SessionID,
			ResearchQuestion:  s.ResearchQuestion,
			TargetDemographic: s.TargetDemographic,
			NumInterviews:     s.NumInterviews,
			NumQuestions:      s.NumQuestions,
			Status:            s.Status,
			PersonaCount:      countBySession[s.SessionID],
			CreatedAt:         s.CreatedAt,
		})
	}
	return summaries, nil
}

// DeleteSession 在事务中级联删除会话、画像与访谈记录。
func (r *researchRepository) DeleteSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&model.InterviewResponse{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&model.Persona{}).Error; err != nil {
			return err
		}
		res := tx.Where("session_id = ?", sessionID).Delete(&model.ResearchSession{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return nil
	})
}

// FindStale 查找仍处于 pending 或 running、且最后一次更新早于 before 的会话。
func (r *researchRepository) FindStale(ctx context.Context, before time.Time) ([]model.ResearchSession, error) {
	var sessions []model.ResearchSession
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []model.SessionStatus{model.SessionPending, model.SessionRunning}, before).
		Order("updated_at").
		Find(&sessions).Error
	return sessions, err
}

// Stats 统计所有者范围内的会话、画像、访谈与回答数量，以及最近的若干会话。
func (r *researchRepository) Stats(ctx context.Context, ownerID *string, recent int) (*model.DashboardStats, error) {
	db := r.db.WithContext(ctx)
	stats := &model.DashboardStats{}

	if err := scopeOwner(db.Model(&model.ResearchSession{}), ownerID).Count(&stats.TotalSessions).Error; err != nil {
		return nil, err
	}
	owned := scopeOwner(db.Model(&model.ResearchSession{}).Select("session_id"), ownerID)

	if err := db.Model(&model.Persona{}).Where("session_id IN (?)", owned).Count(&stats.TotalPersonas).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.InterviewResponse{}).Where("session_id IN (?)", owned).
		Distinct("persona_id").Count(&stats.TotalInterviews).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.InterviewResponse{}).Where("session_id IN (?)", owned).Count(&stats.TotalResponses).Error; err != nil {
		return nil, err
	}

	recentSessions, err := r.ListSessions(ctx, ownerID, recent)
	if err != nil {
		return nil, err
	}
	stats.RecentSessions = recentSessions
	return stats, nil
}
