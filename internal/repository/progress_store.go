package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"persona-research-go/internal/model"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ProgressStore 保存工作流进度快照。实现必须返回副本，调用方可以随意修改。
type ProgressStore interface {
	// Save 写入快照；ttl 为 0 表示永不过期。
	Save(ctx context.Context, progress *model.WorkflowProgress, ttl time.Duration) error
	Get(ctx context.Context, workflowID string) (*model.WorkflowProgress, error)
	GetBySession(ctx context.Context, sessionID string) (*model.WorkflowProgress, error)
	Delete(ctx context.Context, workflowID, sessionID string) error
}

type memoryEntry struct {
	sessionID string
	data      []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memoryProgressStore struct {
	mu        sync.RWMutex
	workflows map[string]memoryEntry
	sessions  map[string]string
	now       func() time.Time
}

// NewMemoryProgressStore 创建进程内的进度存储，适用于单实例部署和测试。
func NewMemoryProgressStore() ProgressStore {
	return &memoryProgressStore{
		workflows: make(map[string]memoryEntry),
		sessions:  make(map[string]string),
		now:       time.Now,
	}
}

func (s *memoryProgressStore) Save(ctx context.Context, progress *model.WorkflowProgress, ttl time.Duration) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow progress: %w", err)
	}
	now := s.now()
	entry := memoryEntry{sessionID: progress.SessionID, data: data}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	s.workflows[progress.WorkflowID] = entry
	s.sessions[progress.SessionID] = progress.WorkflowID
	return nil
}

// sweepLocked 清除所有过期的快照及其会话索引，调用方必须持有写锁。
func (s *memoryProgressStore) sweepLocked(now time.Time) {
	for workflowID, entry := range s.workflows {
		if entry.expired(now) {
			s.evictLocked(workflowID, entry.sessionID)
		}
	}
}

// evictLocked 删除快照；会话索引只在仍指向该工作流时删除。
func (s *memoryProgressStore) evictLocked(workflowID, sessionID string) {
	delete(s.workflows, workflowID)
	if s.sessions[sessionID] == workflowID {
		delete(s.sessions, sessionID)
	}
}

func (s *memoryProgressStore) Get(ctx context.Context, workflowID string) (*model.WorkflowProgress, error) {
	now := s.now()
	s.mu.RLock()
	entry, ok := s.workflows[workflowID]
	s.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	if entry.expired(now) {
		s.mu.Lock()
		// 读锁释放后可能已被重新写入，再次确认
		if current, ok := s.workflows[workflowID]; ok && current.expired(now) {
			s.evictLocked(workflowID, current.sessionID)
		}
		s.mu.Unlock()
		return nil, model.ErrNotFound
	}
	var progress model.WorkflowProgress
	if err := json.Unmarshal(entry.data, &progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow progress: %w", err)
	}
	return &progress, nil
}

func (s *memoryProgressStore) GetBySession(ctx context.Context, sessionID string) (*model.WorkflowProgress, error) {
	s.mu.RLock()
	workflowID, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	progress, err := s.Get(ctx, workflowID)
	if errors.Is(err, model.ErrNotFound) {
		s.mu.Lock()
		// 索引指向的快照已不存在
		if _, live := s.workflows[workflowID]; !live && s.sessions[sessionID] == workflowID {
			delete(s.sessions, sessionID)
		}
		s.mu.Unlock()
	}
	return progress, err
}

func (s *memoryProgressStore) Delete(ctx context.Context, workflowID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if workflowID == "" {
		workflowID = s.sessions[sessionID]
	}
	delete(s.workflows, workflowID)
	delete(s.sessions, sessionID)
	return nil
}

type redisProgressStore struct {
	redisClient *redis.Client
}

// NewRedisProgressStore 创建基于 Redis 的进度存储，多个实例可以共享进度。
func NewRedisProgressStore(redisClient *redis.Client) ProgressStore {
	return &redisProgressStore{redisClient: redisClient}
}

func workflowKey(workflowID string) string {
	return fmt.Sprintf("workflow:%s", workflowID)
}

func workflowSessionKey(sessionID string) string {
	return fmt.Sprintf("workflow:session:%s", sessionID)
}

func (s *redisProgressStore) Save(ctx context.Context, progress *model.WorkflowProgress, ttl time.Duration) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow progress: %w", err)
	}
	_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, workflowKey(progress.WorkflowID), data, ttl)
		pipe.Set(ctx, workflowSessionKey(progress.SessionID), progress.WorkflowID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow progress: %w", err)
	}
	return nil
}

func (s *redisProgressStore) Get(ctx context.Context, workflowID string) (*model.WorkflowProgress, error) {
	data, err := s.redisClient.Get(ctx, workflowKey(workflowID)).Bytes()
	if err == redis.Nil {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow progress: %w", err)
	}
	var progress model.WorkflowProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow progress: %w", err)
	}
	return &progress, nil
}

func (s *redisProgressStore) GetBySession(ctx context.Context, sessionID string) (*model.WorkflowProgress, error) {
	workflowID, err := s.redisClient.Get(ctx, workflowSessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow id: %w", err)
	}
	return s.Get(ctx, workflowID)
}

func (s *redisProgressStore) Delete(ctx context.Context, workflowID, sessionID string) error {
	if workflowID == "" {
		id, err := s.redisClient.Get(ctx, workflowSessionKey(sessionID)).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to get workflow id: %w", err)
		}
		workflowID = id
	}
	keys := []string{workflowSessionKey(sessionID)}
	if workflowID != "" {
		keys = append(keys, workflowKey(workflowID))
	}
	if err := s.redisClient.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete workflow progress: %w", err)
	}
	return nil
}
