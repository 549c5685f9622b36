package service

import (
	"context"
	"errors"
	"persona-research-go/internal/model"
	"persona-research-go/internal/repository"
	"persona-research-go/internal/tracker"
	"persona-research-go/pkg/log"
	"time"
)

// reapedMessage 是被回收的会话的错误信息。
const reapedMessage = "workflow exceeded run budget"

// reaperGrace 是在运行预算之外额外等待的时间。
const reaperGrace = time.Minute

// Reaper 定期把长时间停留在 pending 或 running 的会话置为 failed，例如服务崩溃或停机后遗留的运行。
type Reaper struct {
	repo      repository.ResearchRepository
	tracker   *tracker.Tracker
	interval  time.Duration
	threshold time.Duration
	// active 判断会话是否正在本进程执行，正在执行的由自身的预算控制
	active func(sessionID string) bool
	now    func() time.Time
}

// NewReaper 创建 Reaper。runBudget 是单次运行的时间预算。
func NewReaper(repo repository.ResearchRepository, tr *tracker.Tracker, interval, runBudget time.Duration, active func(string) bool) *Reaper {
	if active == nil {
		active = func(string) bool { return false }
	}
	return &Reaper{
		repo:      repo,
		tracker:   tr,
		interval:  interval,
		threshold: runBudget + reaperGrace,
		active:    active,
		now:       time.Now,
	}
}

// Run 按固定间隔执行 Sweep，直到 ctx 结束。
func (r *Reaper) Run(ctx context.Context) {
	if r.interval <= 0 {
		log.Info("[Reaper] 未配置回收间隔，不启动")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Errorf("[Reaper] 回收过期运行失败: %v", err)
			}
		}
	}
}

// Sweep 回收一次，返回被置为 failed 的会话数。
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.repo.FindStale(ctx, r.now().Add(-r.threshold))
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, s := range stale {
		if r.active(s.SessionID) {
			continue
		}
		if err := r.repo.TransitionStatus(ctx, s.SessionID, model.SessionFailed, reapedMessage); err != nil {
			if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrNotFound) {
				continue
			}
			return reaped, err
		}
		reaped++
		log.Warnf("[Reaper] 会话超时未完成，已置为 failed, SessionID: %s, status: %s, updated_at: %s", s.SessionID, s.Status, s.UpdatedAt.Format(time.RFC3339))

		progress, err := r.tracker.GetProgressBySession(ctx, s.SessionID)
		if err != nil {
			continue
		}
		if !progress.Status.IsTerminal() {
			if err := r.tracker.Abort(ctx, progress.WorkflowID, reapedMessage); err != nil {
				log.Warnf("[Reaper] 中止工作流进度失败, WorkflowID: %s, Error: %v", progress.WorkflowID, err)
			}
		}
	}
	return reaped, nil
}
