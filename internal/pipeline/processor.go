// Package pipeline 定义了研究工作流的核心流程：生成问题、生成画像、逐个访谈、综合分析。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"persona-research-go/internal/config"
	"persona-research-go/internal/model"
	"persona-research-go/internal/repository"
	"persona-research-go/internal/tracker"
	"persona-research-go/pkg/llm"
	"persona-research-go/pkg/log"
	"persona-research-go/pkg/metrics"
	"persona-research-go/pkg/tasks"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrRunBudgetExceeded 表示整个运行超出了时间预算。
var ErrRunBudgetExceeded = errors.New("workflow exceeded run budget")

// errRunCancelled 表示运行被主动取消（例如会话被删除或服务关闭）。
var errRunCancelled = errors.New("workflow cancelled")

// Archiver 在会话完成后保存快照。
type Archiver interface {
	ArchiveSession(ctx context.Context, detail *model.SessionDetail) error
}

// Indexer 在会话完成后写入检索索引。
type Indexer interface {
	IndexSession(ctx context.Context, detail *model.SessionDetail) error
}

// Processor 封装了研究工作流的所有依赖和逻辑。
type Processor struct {
	repo     repository.ResearchRepository
	tracker  *tracker.Tracker
	llm      llm.Client
	cfg      config.WorkflowConfig
	archiver Archiver
	indexer  Indexer

	mu      sync.Mutex
	running map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor 创建一个新的 Processor 实例。archiver 和 indexer 可以为 nil。
func NewProcessor(
	repo repository.ResearchRepository,
	tr *tracker.Tracker,
	llmClient llm.Client,
	cfg config.WorkflowConfig,
	archiver Archiver,
	indexer Indexer,
) *Processor {
	return &Processor{
		repo:     repo,
		tracker:  tr,
		llm:      llmClient,
		cfg:      cfg,
		archiver: archiver,
		indexer:  indexer,
		running:  make(map[string]*runHandle),
	}
}

// run 保存一次运行过程中的中间结果。
type run struct {
	session     *model.ResearchSession
	workflowID  string
	currentStep string
	questions   []string
	personas    []*model.Persona
	transcripts []model.InterviewTranscript
	synthesis   string
}

type stepFunc func(ctx context.Context, r *run) (map[string]interface{}, error)

// Process 执行一个会话的完整研究流程。只有 pending 的会话会被执行，重复投递会被忽略。
// 返回 error 仅表示运行没能开始（例如数据库不可用），运行中的失败会记录到会话上并返回 nil。
func (p *Processor) Process(ctx context.Context, task tasks.ResearchTask) error {
	log.Infof("[Processor] 收到研究任务, SessionID: %s, WorkflowID: %s", task.SessionID, task.WorkflowID)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("服务正在停止，未执行任务: %w", err)
	}

	session, err := p.repo.GetSession(ctx, task.SessionID)
	if errors.Is(err, model.ErrNotFound) {
		log.Warnf("[Processor] 会话不存在，可能已被删除, SessionID: %s", task.SessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("加载会话失败: %w", err)
	}
	if session.Status != model.SessionPending {
		log.Infof("[Processor] 会话状态为 %s，跳过重复任务, SessionID: %s", session.Status, task.SessionID)
		return nil
	}

	budget := p.cfg.RunTimeout
	if budget <= 0 {
		budget = 15 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	// 在状态切换前登记，删除会话时的 Cancel 能等到本次运行退出
	if !p.register(session.SessionID, handle) {
		cancel()
		log.Infof("[Processor] 会话已有运行中的任务，跳过重复任务, SessionID: %s", session.SessionID)
		return nil
	}
	defer func() {
		p.unregister(session.SessionID, handle)
		cancel()
		close(handle.done)
	}()

	// 先切换状态再确认进度记录，会话已被删除时不会留下孤立的进度快照
	if err := p.repo.TransitionStatus(runCtx, session.SessionID, model.SessionRunning, ""); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrNotFound) {
			log.Infof("[Processor] 会话已被其他 worker 接管或已删除, SessionID: %s", session.SessionID)
			return nil
		}
		if runCtx.Err() != nil {
			log.Infof("[Processor] 运行在开始前被取消, SessionID: %s", session.SessionID)
			return nil
		}
		return fmt.Errorf("更新会话状态失败: %w", err)
	}
	session.Status = model.SessionRunning

	workflowID, err := p.ensureWorkflow(runCtx, session)
	if err != nil {
		msg := fmt.Sprintf("初始化工作流进度失败: %v", err)
		failCtx, cancelFail := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancelFail()
		if terr := p.repo.TransitionStatus(failCtx, session.SessionID, model.SessionFailed, msg); terr != nil {
			log.Warnf("[Processor] 更新会话为 failed 失败, SessionID: %s, Error: %v", session.SessionID, terr)
		}
		log.Errorf("[Processor] %s, SessionID: %s", msg, session.SessionID)
		return nil
	}

	metrics.RunStarted()
	r := &run{session: session, workflowID: workflowID}
	start := time.Now()
	if err := p.execute(runCtx, r); err != nil {
		p.abort(ctx, runCtx, r, err)
		metrics.RunFinished(string(model.SessionFailed))
		log.Errorf("[Processor] 研究流程失败, SessionID: %s, 耗时: %s, Error: %v", session.SessionID, time.Since(start), err)
		return nil
	}
	p.finishTracker(runCtx, r, model.SessionCompleted)
	metrics.RunFinished(string(model.SessionCompleted))
	log.Infof("[Processor] 研究流程完成, SessionID: %s, 耗时: %s", session.SessionID, time.Since(start))
	return nil
}

// ensureWorkflow 返回会话的工作流 ID。进度记录丢失时（例如内存存储的服务重启后）重新创建。
func (p *Processor) ensureWorkflow(ctx context.Context, session *model.ResearchSession) (string, error) {
	progress, err := p.tracker.GetProgressBySession(ctx, session.SessionID)
	if err == nil {
		return progress.WorkflowID, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return "", err
	}
	log.Warnf("[Processor] 会话缺少进度记录，重新创建, SessionID: %s", session.SessionID)
	return p.tracker.StartWorkflow(ctx, session.SessionID, session.ResearchQuestion, session.NumInterviews)
}

// Cancel 取消正在执行的运行，并等待它完成收尾或 ctx 结束。返回是否存在该运行。
func (p *Processor) Cancel(ctx context.Context, sessionID string) bool {
	p.mu.Lock()
	handle, ok := p.running[sessionID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	log.Infof("[Processor] 取消运行中的研究流程, SessionID: %s", sessionID)
	handle.cancel()
	select {
	case <-handle.done:
	case <-ctx.Done():
		log.Warnf("[Processor] 等待运行退出超时, SessionID: %s", sessionID)
	}
	return true
}

// IsRunning 返回该会话是否正在本进程中执行。
func (p *Processor) IsRunning(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[sessionID]
	return ok
}

// Running 返回当前正在执行的会话数量。
func (p *Processor) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// register 登记运行句柄。同一会话已有运行时返回 false。
func (p *Processor) register(sessionID string, handle *runHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.running[sessionID]; exists {
		return false
	}
	p.running[sessionID] = handle
	return true
}

func (p *Processor) unregister(sessionID string, handle *runHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[sessionID] == handle {
		delete(p.running, sessionID)
	}
}

func (p *Processor) execute(ctx context.Context, r *run) error {
	steps := []struct {
		id string
		fn stepFunc
	}{
		{tracker.StepSetup, p.setup},
		{tracker.StepQuestions, p.generateQuestions},
		{tracker.StepPersonas, p.generatePersonas},
		{tracker.StepInterviews, p.conductInterviews},
		{tracker.StepSynthesis, p.synthesize},
		{tracker.StepFinalize, p.finalize},
	}
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.currentStep = s.id
		log.Infof("[Processor] 步骤%d: %s 开始, SessionID: %s", i+1, s.id, r.session.SessionID)
		p.beginStep(ctx, r, s.id, nil)
		meta, err := s.fn(ctx, r)
		if err != nil {
			return err
		}
		p.completeStep(ctx, r, s.id, meta)
		log.Infof("[Processor] 步骤%d: %s 完成, SessionID: %s", i+1, s.id, r.session.SessionID)
	}
	return nil
}

// abort 把会话置为 failed，运行中的步骤标记为失败，剩余步骤跳过。
func (p *Processor) abort(parent, runCtx context.Context, r *run, cause error) {
	msg := failureMessage(parent, runCtx, cause)
	// 运行上下文可能已取消，收尾写入使用独立的上下文
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer cancel()

	if err := p.repo.TransitionStatus(ctx, r.session.SessionID, model.SessionFailed, msg); err != nil {
		log.Warnf("[Processor] 更新会话为 failed 失败, SessionID: %s, Error: %v", r.session.SessionID, err)
	}
	if err := p.tracker.Abort(ctx, r.workflowID, msg); err != nil {
		log.Warnf("[Processor] 中止工作流进度失败, WorkflowID: %s, step: %s, Error: %v", r.workflowID, r.currentStep, err)
	}
}

func failureMessage(parent, runCtx context.Context, cause error) string {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return ErrRunBudgetExceeded.Error()
	case errors.Is(runCtx.Err(), context.Canceled):
		return errRunCancelled.Error()
	default:
		return cause.Error()
	}
}

func (p *Processor) finishTracker(ctx context.Context, r *run, status model.SessionStatus) {
	if err := p.tracker.Finish(context.WithoutCancel(ctx), r.workflowID, status); err != nil {
		log.Warnf("[Processor] 结束工作流进度失败, WorkflowID: %s, Error: %v", r.workflowID, err)
	}
}

// 进度记录只用于展示，写入失败只记日志，不中断运行。
func (p *Processor) beginStep(ctx context.Context, r *run, stepID string, meta map[string]interface{}) {
	if err := p.tracker.BeginStep(ctx, r.workflowID, stepID, meta); err != nil {
		log.Warnf("[Processor] 步骤开始记录失败, step: %s, Error: %v", stepID, err)
	}
}

func (p *Processor) completeStep(ctx context.Context, r *run, stepID string, meta map[string]interface{}) {
	if err := p.tracker.CompleteStep(ctx, r.workflowID, stepID, meta); err != nil {
		log.Warnf("[Processor] 步骤完成记录失败, step: %s, Error: %v", stepID, err)
	}
}

func (p *Processor) failStep(ctx context.Context, r *run, stepID, msg string) {
	if err := p.tracker.FailStep(context.WithoutCancel(ctx), r.workflowID, stepID, msg); err != nil {
		log.Warnf("[Processor] 步骤失败记录失败, step: %s, Error: %v", stepID, err)
	}
}

func persistErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrPersistenceWriteFailed, what, err)
}

// backoff 在两次重试之间等待，等待时间随尝试次数线性增长。
func (p *Processor) backoff(ctx context.Context, attempt int) error {
	d := p.cfg.RetryBackoff * time.Duration(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// generate 调用模型；ctx 结束时返回 ctx 的错误，其余错误交给调用方决定是否重试。
func (p *Processor) generate(ctx context.Context, prompt string) (string, error) {
	text, err := p.llm.Generate(ctx, prompt)
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	return text, err
}

func (p *Processor) setup(ctx context.Context, r *run) (map[string]interface{}, error) {
	s := r.session
	if s.NumInterviews <= 0 || s.NumQuestions <= 0 {
		return nil, fmt.Errorf("%w: num_interviews=%d num_questions=%d", model.ErrInvalidRequest, s.NumInterviews, s.NumQuestions)
	}
	return map[string]interface{}{
		"num_interviews":     s.NumInterviews,
		"num_questions":      s.NumQuestions,
		"target_demographic": s.TargetDemographic,
	}, nil
}

func (p *Processor) generateQuestions(ctx context.Context, r *run) (map[string]interface{}, error) {
	s := r.session
	want := s.NumQuestions
	attempts := 1 + max(p.cfg.QuestionRetries, 0)

	var collected []string
	used := 0
	for attempt := 0; attempt < attempts && len(collected) < want; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		used++
		text, err := p.generate(ctx, questionPrompt(s, want, attempt > 0))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.Warnf("[Processor] 生成问题失败, 第%d次, SessionID: %s, Error: %v", attempt+1, s.SessionID, err)
			continue
		}
		parsed := ParseQuestions(text)
		if !parsed.OK {
			log.Warnf("[Processor] 问题输出无法解析, 第%d次, SessionID: %s, raw: %.200s", attempt+1, s.SessionID, parsed.Raw)
			continue
		}
		collected = mergeQuestions(collected, parsed.Items)
	}

	padded := 0
	if len(collected) < want {
		collected, padded = padQuestions(collected, want, s.ResearchQuestion, s.TargetDemographic)
		log.Warnf("[Processor] 模型问题不足，使用模板补齐 %d 个, SessionID: %s", padded, s.SessionID)
	}
	questions := collected[:want]
	if err := p.repo.SaveQuestions(ctx, s.SessionID, questions); err != nil {
		return nil, persistErr("save questions", err)
	}
	r.questions = questions
	return map[string]interface{}{
		"num_questions":      len(questions),
		"fallback_questions": padded,
		"attempts":           used,
	}, nil
}

func mergeQuestions(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, q := range existing {
		seen[normalizeKey(q)] = true
	}
	for _, q := range incoming {
		if !seen[normalizeKey(q)] {
			seen[normalizeKey(q)] = true
			existing = append(existing, q)
		}
	}
	return existing
}

func (p *Processor) generatePersonas(ctx context.Context, r *run) (map[string]interface{}, error) {
	s := r.session
	want := s.NumInterviews
	attempts := 1 + max(p.cfg.PersonaRetries, 0)

	taken := make(map[string]bool)
	var drafts []PersonaDraft
	used := 0
	for attempt := 0; attempt < attempts && len(drafts) < want; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		used++
		text, err := p.generate(ctx, personaPrompt(s, want, attempt > 0))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.Warnf("[Processor] 生成画像失败, 第%d次, SessionID: %s, Error: %v", attempt+1, s.SessionID, err)
			continue
		}
		parsed := ParsePersonas(text)
		if !parsed.OK {
			log.Warnf("[Processor] 画像输出无法解析, 第%d次, SessionID: %s, raw: %.200s", attempt+1, s.SessionID, parsed.Raw)
			continue
		}
		for _, d := range parsed.Items {
			if len(drafts) < want && !taken[normalizeKey(d.Name)] {
				taken[normalizeKey(d.Name)] = true
				drafts = append(drafts, d)
			}
		}
	}

	fromModel := len(drafts)
	if fromModel < want {
		log.Warnf("[Processor] 模型画像不足，使用模板补齐 %d 个, SessionID: %s", want-fromModel, s.SessionID)
		drafts = append(drafts, fallbackPersonas(s.TargetDemographic, want-fromModel, taken)...)
	}

	personas := make([]*model.Persona, 0, want)
	for i, d := range drafts {
		personas = append(personas, &model.Persona{
			SessionID:          s.SessionID,
			Position:           i,
			Name:               d.Name,
			Age:                d.Age,
			Role:               d.Role,
			Traits:             model.EncodeStrings(d.Traits),
			CommunicationStyle: d.CommunicationStyle,
			Background:         d.Background,
			Fallback:           i >= fromModel,
		})
	}
	if err := p.repo.CreatePersonas(ctx, personas); err != nil {
		return nil, persistErr("create personas", err)
	}
	r.personas = personas
	return map[string]interface{}{
		"num_personas":      len(personas),
		"fallback_personas": want - fromModel,
		"attempts":          used,
	}, nil
}

func (p *Processor) conductInterviews(ctx context.Context, r *run) (map[string]interface{}, error) {
	limit := p.cfg.InterviewConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	r.transcripts = make([]model.InterviewTranscript, len(r.personas))
	for i, persona := range r.personas {
		i, persona := i, persona
		g.Go(func() error {
			stepID := tracker.InterviewStepID(i + 1)
			if err := gctx.Err(); err != nil {
				return err
			}
			p.beginStep(gctx, r, stepID, map[string]interface{}{"persona": persona.Name})
			transcript, err := p.interviewPersona(gctx, r, persona)
			if err != nil {
				p.failStep(gctx, r, stepID, err.Error())
				return err
			}
			r.transcripts[i] = transcript
			p.completeStep(gctx, r, stepID, map[string]interface{}{
				"answered":         len(transcript.Responses) - transcript.DegradedAnswers,
				"degraded_answers": transcript.DegradedAnswers,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	degraded := 0
	for _, t := range r.transcripts {
		degraded += t.DegradedAnswers
	}
	return map[string]interface{}{
		"interviews":       len(r.transcripts),
		"degraded_answers": degraded,
	}, nil
}

// interviewPersona 按顺序提问，每个回答写入后才会提出下一个问题。
func (p *Processor) interviewPersona(ctx context.Context, r *run, persona *model.Persona) (model.InterviewTranscript, error) {
	transcript := model.InterviewTranscript{
		PersonaID:   persona.ID,
		PersonaName: persona.Name,
		Responses:   make([]model.QAPair, 0, len(r.questions)),
	}
	for seq, question := range r.questions {
		answer, err := p.askPersona(ctx, persona, transcript.Responses, question)
		if err != nil {
			return transcript, err
		}
		degraded := answer == ""
		if degraded {
			answer = model.NoResponseMarker
			transcript.DegradedAnswers++
			log.Warnf("[Processor] 问题无有效回答，写入占位, SessionID: %s, persona: %s, seq: %d", r.session.SessionID, persona.Name, seq)
		}
		resp := &model.InterviewResponse{
			SessionID: r.session.SessionID,
			PersonaID: persona.ID,
			Sequence:  seq,
			Question:  question,
			Answer:    answer,
			Degraded:  degraded,
		}
		if err := p.repo.CreateInterviewResponse(ctx, resp); err != nil {
			return transcript, persistErr("create interview response", err)
		}
		transcript.Responses = append(transcript.Responses, model.QAPair{
			Sequence: seq,
			Question: question,
			Answer:   answer,
			Degraded: degraded,
		})
	}
	return transcript, nil
}

// askPersona 返回回答文本；重试耗尽时返回空字符串，只有 ctx 结束才返回错误。
func (p *Processor) askPersona(ctx context.Context, persona *model.Persona, history []model.QAPair, question string) (string, error) {
	attempts := 1 + max(p.cfg.AnswerRetries, 0)
	prompt := interviewPrompt(persona, history, question)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return "", err
			}
		}
		text, err := p.generate(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			log.Warnf("[Processor] 访谈提问失败, persona: %s, 第%d次, Error: %v", persona.Name, attempt+1, err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" || looksMalformedAnswer(text) {
			log.Warnf("[Processor] 访谈回答无效, persona: %s, 第%d次", persona.Name, attempt+1)
			continue
		}
		return text, nil
	}
	return "", nil
}

func (p *Processor) synthesize(ctx context.Context, r *run) (map[string]interface{}, error) {
	attempts := 1 + max(p.cfg.SynthesisRetries, 0)
	prompt := synthesisPrompt(r.session, r.personas, r.transcripts)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		text, err := p.generate(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			log.Warnf("[Processor] 综合分析失败, 第%d次, SessionID: %s, Error: %v", attempt+1, r.session.SessionID, err)
			continue
		}
		if text = strings.TrimSpace(text); text == "" {
			lastErr = errors.New("model returned an empty synthesis")
			continue
		}
		r.synthesis = text
		return map[string]interface{}{
			"attempts":   attempt + 1,
			"characters": len(text),
		}, nil
	}
	return nil, fmt.Errorf("synthesis failed after %d attempts: %w", attempts, lastErr)
}

func (p *Processor) finalize(ctx context.Context, r *run) (map[string]interface{}, error) {
	s := r.session
	if err := p.repo.CompleteSession(ctx, s.SessionID, r.synthesis); err != nil {
		return nil, persistErr("complete session", err)
	}

	meta := map[string]interface{}{"archived": false, "indexed": false}
	if p.archiver == nil && p.indexer == nil {
		return meta, nil
	}
	session, err := p.repo.GetSession(ctx, s.SessionID)
	if err != nil {
		log.Warnf("[Processor] 读取已完成会话失败，跳过归档与索引, SessionID: %s, Error: %v", s.SessionID, err)
		return meta, nil
	}
	detail, err := repository.LoadSessionDetail(ctx, p.repo, session)
	if err != nil {
		log.Warnf("[Processor] 组装会话快照失败，跳过归档与索引, SessionID: %s, Error: %v", s.SessionID, err)
		return meta, nil
	}
	if p.archiver != nil {
		if err := p.archiver.ArchiveSession(ctx, detail); err != nil {
			log.Warnf("[Processor] 归档会话到 MinIO 失败, SessionID: %s, Error: %v", s.SessionID, err)
		} else {
			meta["archived"] = true
		}
	}
	if p.indexer != nil {
		if err := p.indexer.IndexSession(ctx, detail); err != nil {
			log.Warnf("[Processor] 索引会话到 Elasticsearch 失败, SessionID: %s, Error: %v", s.SessionID, err)
		} else {
			meta["indexed"] = true
		}
	}
	return meta, nil
}
