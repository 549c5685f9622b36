// Package tracker 记录每次研究运行的步骤状态，供前端轮询进度。
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"persona-research-go/internal/model"
	"persona-research-go/internal/repository"
	"persona-research-go/pkg/log"
	"persona-research-go/pkg/metrics"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrWorkflowExists        = errors.New("workflow already exists for session")
	ErrUnknownStep           = errors.New("unknown workflow step")
	ErrInvalidStepTransition = errors.New("invalid step transition")
)

// 顶层步骤 ID
const (
	StepSetup      = "setup"
	StepQuestions  = "questions"
	StepPersonas   = "personas"
	StepInterviews = "interviews"
	StepSynthesis  = "synthesis"
	StepFinalize   = "finalize"
)

// activeTTL 是运行中进度记录的过期时间，只用于兜底清理遗留数据。
const activeTTL = 24 * time.Hour

// InterviewStepID 返回第 n 个画像（从 1 开始）的访谈子步骤 ID。
func InterviewStepID(n int) string {
	return fmt.Sprintf("%s.persona_%d", StepInterviews, n)
}

var allowedTransitions = map[model.StepStatus][]model.StepStatus{
	model.StepRunning:   {model.StepPending},
	model.StepCompleted: {model.StepRunning},
	model.StepFailed:    {model.StepPending, model.StepRunning},
	model.StepSkipped:   {model.StepPending},
}

// Tracker 管理工作流进度。同一工作流的写操作串行执行，读操作直接读取最近一次提交的快照。
type Tracker struct {
	store     repository.ProgressStore
	retention time.Duration
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New 创建 Tracker。retention 是工作流结束后进度记录的保留时长。
func New(store repository.ProgressStore, retention time.Duration) *Tracker {
	return &Tracker{
		store:     store,
		retention: retention,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) lockFor(workflowID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[workflowID] = l
	}
	return l
}

func (t *Tracker) releaseLock(workflowID string) {
	t.mu.Lock()
	delete(t.locks, workflowID)
	t.mu.Unlock()
}

func newStep(id, name, description string) *model.WorkflowStep {
	return &model.WorkflowStep{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      model.StepPending,
		Metadata:    map[string]interface{}{},
		Substeps:    []*model.WorkflowStep{},
	}
}

func buildSkeleton(numInterviews int) []*model.WorkflowStep {
	interviews := newStep(StepInterviews, "Conduct Interviews", fmt.Sprintf("Interview %d personas", numInterviews))
	for n := 1; n <= numInterviews; n++ {
		interviews.Substeps = append(interviews.Substeps,
			newStep(InterviewStepID(n), fmt.Sprintf("Interview Persona %d", n), fmt.Sprintf("Run the interview loop for persona %d", n)))
	}
	return []*model.WorkflowStep{
		newStep(StepSetup, "Initialize Research", "Validate the request and prepare the session"),
		newStep(StepQuestions, "Generate Interview Questions", "Ask the model for interview questions"),
		newStep(StepPersonas, "Generate Personas", "Create the simulated interviewees"),
		interviews,
		newStep(StepSynthesis, "Synthesize Findings", "Summarize insights across all interviews"),
		newStep(StepFinalize, "Finalize Results", "Persist the report and mark the session complete"),
	}
}

// StartWorkflow 为会话创建固定的步骤骨架，返回工作流 ID。
func (t *Tracker) StartWorkflow(ctx context.Context, sessionID, question string, numInterviews int) (string, error) {
	if _, err := t.store.GetBySession(ctx, sessionID); err == nil {
		return "", ErrWorkflowExists
	} else if !errors.Is(err, model.ErrNotFound) {
		return "", err
	}

	workflowID := "workflow_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	progress := &model.WorkflowProgress{
		WorkflowID:       workflowID,
		SessionID:        sessionID,
		ResearchQuestion: question,
		Status:           model.SessionPending,
		StartTime:        t.now(),
		Steps:            buildSkeleton(numInterviews),
	}
	summarize(progress, t.now())
	if err := t.store.Save(ctx, progress, activeTTL); err != nil {
		return "", err
	}
	log.Infof("[Tracker] 工作流已创建: workflow_id=%s, session_id=%s, steps=%d", workflowID, sessionID, progress.TotalSteps)
	return workflowID, nil
}

// update 在工作流锁内读取、修改并写回快照。
func (t *Tracker) update(ctx context.Context, workflowID string, fn func(p *model.WorkflowProgress, now time.Time) error) error {
	l := t.lockFor(workflowID)
	l.Lock()
	defer l.Unlock()

	progress, err := t.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	now := t.now()
	if err := fn(progress, now); err != nil {
		return err
	}
	summarize(progress, now)
	ttl := activeTTL
	if progress.Status.IsTerminal() {
		ttl = t.retention
	}
	return t.store.Save(ctx, progress, ttl)
}

func transition(step *model.WorkflowStep, to model.StepStatus) error {
	for _, from := range allowedTransitions[to] {
		if step.Status == from {
			step.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidStepTransition, step.ID, step.Status, to)
}

func mergeMetadata(step *model.WorkflowStep, metadata map[string]interface{}) {
	if step.Metadata == nil {
		step.Metadata = map[string]interface{}{}
	}
	for k, v := range metadata {
		step.Metadata[k] = v
	}
}

func finishStep(step *model.WorkflowStep, now time.Time) {
	end := now
	step.EndTime = &end
	if step.StartTime != nil {
		ms := now.Sub(*step.StartTime).Milliseconds()
		step.DurationMs = &ms
	}
}

// findStep 查找顶层步骤或子步骤，isTop 表示是否为顶层步骤。
func findStep(steps []*model.WorkflowStep, stepID string) (step *model.WorkflowStep, isTop bool) {
	for _, s := range steps {
		if s.ID == stepID {
			return s, true
		}
		for _, sub := range s.Substeps {
			if sub.ID == stepID {
				return sub, false
			}
		}
	}
	return nil, false
}

func (t *Tracker) mutateStep(ctx context.Context, workflowID, stepID string, fn func(step *model.WorkflowStep, isTop bool, now time.Time) error) error {
	return t.update(ctx, workflowID, func(p *model.WorkflowProgress, now time.Time) error {
		step, isTop := findStep(p.Steps, stepID)
		if step == nil {
			return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
		}
		if p.Status == model.SessionPending {
			p.Status = model.SessionRunning
		}
		return fn(step, isTop, now)
	})
}

// BeginStep 把步骤标记为 running 并合并元数据。
func (t *Tracker) BeginStep(ctx context.Context, workflowID, stepID string, metadata map[string]interface{}) error {
	return t.mutateStep(ctx, workflowID, stepID, func(step *model.WorkflowStep, _ bool, now time.Time) error {
		if err := transition(step, model.StepRunning); err != nil {
			return err
		}
		start := now
		step.StartTime = &start
		mergeMetadata(step, metadata)
		return nil
	})
}

// CompleteStep 把步骤标记为 completed 并合并元数据。
func (t *Tracker) CompleteStep(ctx context.Context, workflowID, stepID string, metadata map[string]interface{}) error {
	return t.mutateStep(ctx, workflowID, stepID, func(step *model.WorkflowStep, isTop bool, now time.Time) error {
		if err := transition(step, model.StepCompleted); err != nil {
			return err
		}
		finishStep(step, now)
		mergeMetadata(step, metadata)
		if isTop && step.DurationMs != nil {
			metrics.ObserveStep(step.ID, string(model.StepCompleted), time.Duration(*step.DurationMs)*time.Millisecond)
		}
		return nil
	})
}

// FailStep 把步骤标记为 failed 并记录错误信息。
func (t *Tracker) FailStep(ctx context.Context, workflowID, stepID, errMsg string) error {
	return t.mutateStep(ctx, workflowID, stepID, func(step *model.WorkflowStep, isTop bool, now time.Time) error {
		if err := transition(step, model.StepFailed); err != nil {
			return err
		}
		finishStep(step, now)
		step.ErrorMessage = errMsg
		if isTop && step.DurationMs != nil {
			metrics.ObserveStep(step.ID, string(model.StepFailed), time.Duration(*step.DurationMs)*time.Millisecond)
		}
		return nil
	})
}

// SkipStep 把尚未开始的步骤标记为 skipped。
func (t *Tracker) SkipStep(ctx context.Context, workflowID, stepID string) error {
	return t.mutateStep(ctx, workflowID, stepID, func(step *model.WorkflowStep, _ bool, now time.Time) error {
		return transition(step, model.StepSkipped)
	})
}

// Abort 中止工作流：running 的步骤（包括子步骤）标记为 failed，pending 的标记为 skipped，工作流置为 failed。
func (t *Tracker) Abort(ctx context.Context, workflowID, errMsg string) error {
	err := t.update(ctx, workflowID, func(p *model.WorkflowProgress, now time.Time) error {
		for _, s := range p.Steps {
			for _, sub := range s.Substeps {
				abortStep(sub, errMsg, now)
			}
			if s.Status == model.StepRunning && s.DurationMs == nil && s.StartTime != nil {
				metrics.ObserveStep(s.ID, string(model.StepFailed), now.Sub(*s.StartTime))
			}
			abortStep(s, errMsg, now)
		}
		end := now
		p.Status = model.SessionFailed
		p.EndTime = &end
		return nil
	})
	t.releaseLock(workflowID)
	if err == nil {
		log.Infof("[Tracker] 工作流已中止: workflow_id=%s, reason=%s", workflowID, errMsg)
	}
	return err
}

func abortStep(step *model.WorkflowStep, errMsg string, now time.Time) {
	switch step.Status {
	case model.StepRunning:
		step.Status = model.StepFailed
		step.ErrorMessage = errMsg
		finishStep(step, now)
	case model.StepPending:
		step.Status = model.StepSkipped
	}
}

// Finish 把工作流标记为终态，之后记录只保留 retention 时长。
func (t *Tracker) Finish(ctx context.Context, workflowID string, status model.SessionStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidStepTransition, status)
	}
	err := t.update(ctx, workflowID, func(p *model.WorkflowProgress, now time.Time) error {
		end := now
		p.Status = status
		p.EndTime = &end
		return nil
	})
	t.releaseLock(workflowID)
	if err == nil {
		log.Infof("[Tracker] 工作流结束: workflow_id=%s, status=%s", workflowID, status)
	}
	return err
}

// GetProgress 返回工作流进度快照。
func (t *Tracker) GetProgress(ctx context.Context, workflowID string) (*model.WorkflowProgress, error) {
	progress, err := t.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	summarize(progress, t.now())
	return progress, nil
}

// GetProgressBySession 按会话 ID 返回进度快照。
func (t *Tracker) GetProgressBySession(ctx context.Context, sessionID string) (*model.WorkflowProgress, error) {
	progress, err := t.store.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	summarize(progress, t.now())
	return progress, nil
}

// CurrentStep 返回第一个 running 的顶层步骤，没有时返回 nil。
func (t *Tracker) CurrentStep(ctx context.Context, workflowID string) (*model.WorkflowStep, error) {
	progress, err := t.GetProgress(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return progress.CurrentStep, nil
}

// Delete 删除会话对应的进度记录。
func (t *Tracker) Delete(ctx context.Context, sessionID string) error {
	progress, err := t.store.GetBySession(ctx, sessionID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	workflowID := ""
	if progress != nil {
		workflowID = progress.WorkflowID
		t.releaseLock(workflowID)
	}
	return t.store.Delete(ctx, workflowID, sessionID)
}

// summarize 重新计算汇总字段。只有顶层步骤计入进度百分比。
func summarize(p *model.WorkflowProgress, now time.Time) {
	p.TotalSteps = len(p.Steps)
	p.CompletedSteps, p.RunningSteps, p.FailedSteps = 0, 0, 0
	p.TotalSubsteps, p.CompletedSubsteps = 0, 0
	p.CurrentStep = nil

	var totalMs int64
	timed := 0
	for _, s := range p.Steps {
		switch s.Status {
		case model.StepCompleted:
			p.CompletedSteps++
			if s.DurationMs != nil {
				totalMs += *s.DurationMs
				timed++
			}
		case model.StepRunning:
			p.RunningSteps++
			if p.CurrentStep == nil {
				p.CurrentStep = s
			}
		case model.StepFailed:
			p.FailedSteps++
		}
		for _, sub := range s.Substeps {
			p.TotalSubsteps++
			if sub.Status == model.StepCompleted {
				p.CompletedSubsteps++
			}
		}
	}

	if p.TotalSteps > 0 {
		pct := float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
		p.ProgressPercentage = math.Round(pct*10) / 10
	} else {
		p.ProgressPercentage = 0
	}

	p.EstimatedCompletion = nil
	remaining := p.TotalSteps - p.CompletedSteps
	if !p.Status.IsTerminal() && timed > 0 && remaining > 0 {
		avg := time.Duration(totalMs/int64(timed)) * time.Millisecond
		eta := now.Add(avg * time.Duration(remaining))
		p.EstimatedCompletion = &eta
	}
}
