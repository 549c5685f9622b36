package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"persona-research-go/internal/config"
	"persona-research-go/internal/model"
	"persona-research-go/internal/repository"
	"persona-research-go/internal/tracker"
	"persona-research-go/pkg/database"
	"persona-research-go/pkg/llm"
	"persona-research-go/pkg/tasks"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type generateFunc func(ctx context.Context, call int, prompt string) (string, error)

// scriptedLLM 按提示词类型分派到不同的脚本函数。
type scriptedLLM struct {
	mu        sync.Mutex
	calls     map[string]int
	questions generateFunc
	personas  generateFunc
	answer    generateFunc
	synthesis generateFunc
}

func newScriptedLLM(numQuestions, numPersonas int) *scriptedLLM {
	return &scriptedLLM{
		calls: make(map[string]int),
		questions: func(ctx context.Context, call int, prompt string) (string, error) {
			return numberedQuestions(numQuestions), nil
		},
		personas: func(ctx context.Context, call int, prompt string) (string, error) {
			return personasJSON(numPersonas), nil
		},
		answer: func(ctx context.Context, call int, prompt string) (string, error) {
			return "Honestly, " + questionOf(prompt), nil
		},
		synthesis: func(ctx context.Context, call int, prompt string) (string, error) {
			return "KEY THEMES: people care about speed.", nil
		},
	}
}

func classify(prompt string) string {
	switch {
	case strings.Contains(prompt, "interview questions for user research"):
		return "questions"
	case strings.Contains(prompt, "personas to be interviewed"):
		return "personas"
	case strings.HasPrefix(prompt, "Analyze these"):
		return "synthesis"
	default:
		return "answer"
	}
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	kind := classify(prompt)
	s.mu.Lock()
	s.calls[kind]++
	n := s.calls[kind]
	s.mu.Unlock()

	switch kind {
	case "questions":
		return s.questions(ctx, n, prompt)
	case "personas":
		return s.personas(ctx, n, prompt)
	case "synthesis":
		return s.synthesis(ctx, n, prompt)
	default:
		return s.answer(ctx, n, prompt)
	}
}

func (s *scriptedLLM) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

func questionOf(prompt string) string {
	idx := strings.LastIndex(prompt, "Question: ")
	if idx < 0 {
		return ""
	}
	return prompt[idx+len("Question: "):]
}

func numberedQuestions(n int) string {
	var b strings.Builder
	b.WriteString("Here are your questions:\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%d. What is your take on topic %d?\n", i, i)
	}
	return b.String()
}

func personasJSON(n int) string {
	var list []map[string]interface{}
	for i := 1; i <= n; i++ {
		list = append(list, map[string]interface{}{
			"name":                fmt.Sprintf("Persona %d", i),
			"age":                 20 + i,
			"job":                 "Backend Engineer",
			"traits":              []string{"curious", "direct"},
			"communication_style": "terse",
			"background":          "writes Go",
		})
	}
	b, _ := json.Marshal(map[string]interface{}{"personas": list})
	return "```json\n" + string(b) + "\n```"
}

type harness struct {
	proc    *Processor
	repo    repository.ResearchRepository
	tracker *tracker.Tracker
}

func testWorkflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		RunTimeout:           10 * time.Second,
		QuestionRetries:      2,
		PersonaRetries:       2,
		AnswerRetries:        1,
		SynthesisRetries:     2,
		InterviewConcurrency: 3,
	}
}

func newHarness(t *testing.T, client llm.Client, cfg config.WorkflowConfig) *harness {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	repo := repository.NewResearchRepository(db)
	tr := tracker.New(repository.NewMemoryProgressStore(), time.Hour)
	return &harness{
		proc:    NewProcessor(repo, tr, client, cfg, nil, nil),
		repo:    repo,
		tracker: tr,
	}
}

func (h *harness) submit(t *testing.T, interviews, questions int) tasks.ResearchTask {
	t.Helper()
	ctx := context.Background()
	sessionID := fmt.Sprintf("research_%d", time.Now().UnixNano())
	wf, err := h.tracker.StartWorkflow(ctx, sessionID, "How do developers pick IDEs?", interviews)
	require.NoError(t, err)
	require.NoError(t, h.repo.CreateSession(ctx, &model.ResearchSession{
		SessionID:         sessionID,
		WorkflowID:        wf,
		ResearchQuestion:  "How do developers pick IDEs?",
		TargetDemographic: "backend engineers",
		NumInterviews:     interviews,
		NumQuestions:      questions,
	}))
	return tasks.ResearchTask{SessionID: sessionID, WorkflowID: wf}
}

func (h *harness) detail(t *testing.T, sessionID string) *model.SessionDetail {
	t.Helper()
	s, err := h.repo.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	d, err := repository.LoadSessionDetail(context.Background(), h.repo, s)
	require.NoError(t, err)
	return d
}

func assertContiguous(t *testing.T, d *model.SessionDetail, numQuestions int) {
	t.Helper()
	for _, tr := range d.Interviews {
		require.Len(t, tr.Responses, numQuestions, tr.PersonaName)
		for i, qa := range tr.Responses {
			assert.Equal(t, i, qa.Sequence)
			assert.Equal(t, d.Questions[i], qa.Question)
		}
	}
}

func TestProcessHappyPath(t *testing.T) {
	client := newScriptedLLM(5, 3)
	h := newHarness(t, client, testWorkflowConfig())
	task := h.submit(t, 3, 5)

	require.NoError(t, h.proc.Process(context.Background(), task))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionCompleted, d.Session.Status)
	assert.Len(t, d.Questions, 5)
	require.Len(t, d.Personas, 3)
	for i, p := range d.Personas {
		assert.Equal(t, i, p.Position)
		assert.False(t, p.Fallback)
		assert.Equal(t, "Backend Engineer", p.Role)
	}
	require.Len(t, d.Interviews, 3)
	assertContiguous(t, d, 5)
	assert.Equal(t, "Honestly, What is your take on topic 1?", d.Interviews[0].Responses[0].Answer)
	require.NotNil(t, d.Synthesis)
	assert.NotEmpty(t, d.Synthesis.Text)
	assert.NotNil(t, d.Session.CompletedAt)

	progress, err := h.tracker.GetProgressBySession(context.Background(), task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, progress.Status)
	assert.Equal(t, 100.0, progress.ProgressPercentage)
	assert.Equal(t, 3, progress.CompletedSubsteps)
	assert.Equal(t, 0, h.proc.Running())

	assert.Equal(t, 1, client.count("questions"))
	assert.Equal(t, 1, client.count("personas"))
	assert.Equal(t, 15, client.count("answer"))
}

func TestInterviewContextStaysWithinPersona(t *testing.T) {
	client := newScriptedLLM(2, 2)
	var mu sync.Mutex
	prompts := make(map[string][]string)
	client.answer = func(ctx context.Context, call int, prompt string) (string, error) {
		name := strings.TrimPrefix(strings.SplitN(prompt, ",", 2)[0], "You are ")
		mu.Lock()
		prompts[name] = append(prompts[name], prompt)
		mu.Unlock()
		return name + " says " + questionOf(prompt), nil
	}
	h := newHarness(t, client, testWorkflowConfig())
	task := h.submit(t, 2, 2)
	require.NoError(t, h.proc.Process(context.Background(), task))

	first := prompts["Persona 1"]
	require.Len(t, first, 2)
	assert.NotContains(t, first[0], "So far in this interview")
	assert.Contains(t, first[1], "Persona 1 says What is your take on topic 1?")
	assert.NotContains(t, first[1], "Persona 2 says")
}

func TestProcessSynthesisFailureKeepsPartialWork(t *testing.T) {
	client := newScriptedLLM(5, 3)
	client.synthesis = func(ctx context.Context, call int, prompt string) (string, error) {
		return "", fmt.Errorf("%w: 503", llm.ErrModelUnavailable)
	}
	h := newHarness(t, client, testWorkflowConfig())
	task := h.submit(t, 3, 5)

	require.NoError(t, h.proc.Process(context.Background(), task))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionFailed, d.Session.Status)
	assert.Contains(t, d.Session.ErrorMessage, "synthesis failed after 3 attempts")
	assert.Nil(t, d.Synthesis)
	assert.Len(t, d.Personas, 3)
	assertContiguous(t, d, 5)
	assert.Equal(t, 3, client.count("synthesis"))

	progress, err := h.tracker.GetProgressBySession(context.Background(), task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, progress.Status)
	byID := map[string]*model.WorkflowStep{}
	for _, s := range progress.Steps {
		byID[s.ID] = s
	}
	assert.Equal(t, model.StepCompleted, byID[tracker.StepInterviews].Status)
	assert.Equal(t, model.StepFailed, byID[tracker.StepSynthesis].Status)
	assert.NotEmpty(t, byID[tracker.StepSynthesis].ErrorMessage)
	assert.Equal(t, model.StepSkipped, byID[tracker.StepFinalize].Status)
}

func TestProcessMalformedPersonasFallsBack(t *testing.T) {
	client := newScriptedLLM(5, 3)
	client.personas = func(ctx context.Context, call int, prompt string) (string, error) {
		return "Sure! Here are some people: Alice, Bob and Carol.", nil
	}
	h := newHarness(t, client, testWorkflowConfig())
	task := h.submit(t, 3, 5)

	require.NoError(t, h.proc.Process(context.Background(), task))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionCompleted, d.Session.Status)
	require.Len(t, d.Personas, 3)
	names := map[string]bool{}
	for _, p := range d.Personas {
		assert.True(t, p.Fallback)
		assert.Contains(t, p.Role, "backend engineers")
		names[p.Name] = true
	}
	assert.Len(t, names, 3)
	assert.Equal(t, 3, client.count("personas"))
	assertContiguous(t, d, 5)
}

func TestProcessSingleMalformedPersonaResponseRetries(t *testing.T) {
	client := newScriptedLLM(5, 3)
	client.personas = func(ctx context.Context, call int, prompt string) (string, error) {
		if call == 1 {
			return `{"personas": [`, nil
		}
		return personasJSON(3), nil
	}
	h := newHarness(t, client, testWorkflowConfig())
	task := h.submit(t, 3, 5)

	require.NoError(t, h.proc.Process(context.Background(), task))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionCompleted, d.Session.Status)
	require.Len(t, d.Personas, 3)
	for _, p := range d.Personas {
		assert.False(t, p.Fallback)
	}
	assert.Equal(t, 2, client.count("personas"))
}

func TestProcessPadsMissingQuestions(t *testing.T) {
	client := newScriptedLLM(2, 1)
	h := newHarness(t, client, testWorkflowConfig())
	task := h.submit(t, 1, 5)

	require.NoError(t, h.proc.Process(context.Background(), task))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionCompleted, d.Session.Status)
	require.Len(t, d.Questions, 5)
	assert.Equal(t, "What is your take on topic 1?", d.Questions[0])
	assert.Contains(t, d.Questions[2], "How do developers pick IDEs")
	assert.Equal(t, 3, client.count("questions"))
	assertContiguous(t, d, 5)
}

func TestProcessDegradedAnswersKeepIndicesContiguous(t *testing.T) {
	client := newScriptedLLM(3, 2)
	client.answer = func(ctx context.Context, call int, prompt string) (string, error) {
		if strings.Contains(questionOf(prompt), "topic 2") {
			return "", fmt.Errorf("%w: deadline", llm.ErrModelTimeout)
		}
		return "fine", nil
	}
	h := newHarness(t, client, testWorkflowConfig())
	task := h.submit(t, 2, 3)

	require.NoError(t, h.proc.Process(context.Background(), task))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionCompleted, d.Session.Status)
	assertContiguous(t, d, 3)
	for _, tr := range d.Interviews {
		assert.Equal(t, 1, tr.DegradedAnswers)
		assert.Equal(t, model.NoResponseMarker, tr.Responses[1].Answer)
		assert.True(t, tr.Responses[1].Degraded)
		assert.False(t, tr.Responses[2].Degraded)
	}

	progress, err := h.tracker.GetProgressBySession(context.Background(), task.SessionID)
	require.NoError(t, err)
	sub := progress.Steps[3].Substeps[0]
	assert.Equal(t, model.StepCompleted, sub.Status)
	assert.EqualValues(t, 1, sub.Metadata["degraded_answers"])
	assert.EqualValues(t, 2, sub.Metadata["answered"])
}

func TestProcessIgnoresNonPendingSession(t *testing.T) {
	client := newScriptedLLM(5, 3)
	h := newHarness(t, client, testWorkflowConfig())
	task := h.submit(t, 3, 5)
	require.NoError(t, h.proc.Process(context.Background(), task))

	before := client.count("answer")
	require.NoError(t, h.proc.Process(context.Background(), task))
	assert.Equal(t, before, client.count("answer"))

	require.NoError(t, h.proc.Process(context.Background(), tasks.ResearchTask{SessionID: "research_missing"}))
}

func blockingAnswers(client *scriptedLLM, started chan<- struct{}) {
	var once sync.Once
	client.answer = func(ctx context.Context, call int, prompt string) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}
}

func TestProcessRunBudgetExceeded(t *testing.T) {
	client := newScriptedLLM(2, 1)
	started := make(chan struct{})
	blockingAnswers(client, started)
	cfg := testWorkflowConfig()
	cfg.RunTimeout = 200 * time.Millisecond
	h := newHarness(t, client, cfg)
	task := h.submit(t, 1, 2)

	require.NoError(t, h.proc.Process(context.Background(), task))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionFailed, d.Session.Status)
	assert.Equal(t, ErrRunBudgetExceeded.Error(), d.Session.ErrorMessage)
	assert.Len(t, d.Personas, 1)

	progress, err := h.tracker.GetProgressBySession(context.Background(), task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StepFailed, progress.Steps[3].Status)
	assert.Equal(t, model.StepFailed, progress.Steps[3].Substeps[0].Status)
	assert.Equal(t, model.StepSkipped, progress.Steps[4].Status)
}

func TestCancelStopsRun(t *testing.T) {
	client := newScriptedLLM(2, 1)
	started := make(chan struct{})
	blockingAnswers(client, started)
	h := newHarness(t, client, testWorkflowConfig())
	task := h.submit(t, 1, 2)

	done := make(chan error, 1)
	go func() { done <- h.proc.Process(context.Background(), task) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("interview never started")
	}
	assert.True(t, h.proc.IsRunning(task.SessionID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.True(t, h.proc.Cancel(ctx, task.SessionID))
	// Cancel 返回时运行已完成收尾
	assert.False(t, h.proc.IsRunning(task.SessionID))
	require.NoError(t, <-done)
	assert.False(t, h.proc.Cancel(ctx, task.SessionID))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionFailed, d.Session.Status)
	assert.Equal(t, "workflow cancelled", d.Session.ErrorMessage)
}

// failingRepo 在写入访谈回答时返回错误。
type failingRepo struct {
	repository.ResearchRepository
}

func (f failingRepo) CreateInterviewResponse(ctx context.Context, resp *model.InterviewResponse) error {
	return errors.New("disk full")
}

func TestProcessPersistenceFailureAborts(t *testing.T) {
	client := newScriptedLLM(3, 2)
	h := newHarness(t, client, testWorkflowConfig())
	h.proc.repo = failingRepo{h.repo}
	task := h.submit(t, 2, 3)

	require.NoError(t, h.proc.Process(context.Background(), task))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionFailed, d.Session.Status)
	assert.Contains(t, d.Session.ErrorMessage, model.ErrPersistenceWriteFailed.Error())
	assert.Len(t, d.Personas, 2)
	assert.Zero(t, client.count("synthesis"))
}

// vanishingRepo 模拟会话在加载之后、切换为 running 之前被删除。
type vanishingRepo struct {
	repository.ResearchRepository
	tracker *tracker.Tracker
}

func (v vanishingRepo) TransitionStatus(ctx context.Context, sessionID string, to model.SessionStatus, errMsg string) error {
	if to == model.SessionRunning {
		if err := v.ResearchRepository.DeleteSession(ctx, sessionID); err != nil {
			return err
		}
		if err := v.tracker.Delete(ctx, sessionID); err != nil {
			return err
		}
	}
	return v.ResearchRepository.TransitionStatus(ctx, sessionID, to, errMsg)
}

func TestProcessSessionDeletedBeforeStart(t *testing.T) {
	client := newScriptedLLM(3, 2)
	h := newHarness(t, client, testWorkflowConfig())
	h.proc.repo = vanishingRepo{ResearchRepository: h.repo, tracker: h.tracker}
	task := h.submit(t, 2, 3)
	ctx := context.Background()

	require.NoError(t, h.proc.Process(ctx, task))

	_, err := h.repo.GetSession(ctx, task.SessionID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	// 不会为已删除的会话重新创建进度记录
	_, err = h.tracker.GetProgressBySession(ctx, task.SessionID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Zero(t, client.count("questions"))
	assert.False(t, h.proc.IsRunning(task.SessionID))
}

func TestRegisterRejectsSecondRun(t *testing.T) {
	h := newHarness(t, newScriptedLLM(1, 1), testWorkflowConfig())
	first := &runHandle{cancel: func() {}, done: make(chan struct{})}
	second := &runHandle{cancel: func() {}, done: make(chan struct{})}

	require.True(t, h.proc.register("research_dup", first))
	assert.False(t, h.proc.register("research_dup", second))

	// 旧句柄注销不影响当前登记
	h.proc.unregister("research_dup", second)
	assert.True(t, h.proc.IsRunning("research_dup"))
	h.proc.unregister("research_dup", first)
	assert.False(t, h.proc.IsRunning("research_dup"))
}

type recordingSink struct {
	mu       sync.Mutex
	archived []string
	indexed  []string
}

func (r *recordingSink) ArchiveSession(ctx context.Context, d *model.SessionDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archived = append(r.archived, d.Session.SessionID)
	return nil
}

func (r *recordingSink) IndexSession(ctx context.Context, d *model.SessionDetail) error {
	return errors.New("index unavailable")
}

func TestFinalizeArchivesBestEffort(t *testing.T) {
	client := newScriptedLLM(2, 1)
	h := newHarness(t, client, testWorkflowConfig())
	sink := &recordingSink{}
	h.proc.archiver = sink
	h.proc.indexer = sink
	task := h.submit(t, 1, 2)

	require.NoError(t, h.proc.Process(context.Background(), task))

	d := h.detail(t, task.SessionID)
	assert.Equal(t, model.SessionCompleted, d.Session.Status)
	assert.Equal(t, []string{task.SessionID}, sink.archived)

	progress, err := h.tracker.GetProgressBySession(context.Background(), task.SessionID)
	require.NoError(t, err)
	finalize := progress.Steps[5]
	assert.Equal(t, true, finalize.Metadata["archived"])
	assert.Equal(t, false, finalize.Metadata["indexed"])
}
