package service

import (
	"context"
	"errors"
	"persona-research-go/internal/config"
	"persona-research-go/internal/model"
	"persona-research-go/internal/repository"
	"persona-research-go/internal/tracker"
	"persona-research-go/pkg/database"
	"persona-research-go/pkg/tasks"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []tasks.ResearchTask
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task tasks.ResearchTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

type fakeCanceller struct {
	cancelled []string
}

func (f *fakeCanceller) Cancel(ctx context.Context, sessionID string) bool {
	f.cancelled = append(f.cancelled, sessionID)
	return true
}

type fakeIndex struct {
	deleted   []string
	deleteErr error
	query     string
	owner     *string
	size      int
}

func (f *fakeIndex) DeleteSession(ctx context.Context, sessionID string) error {
	f.deleted = append(f.deleted, sessionID)
	return f.deleteErr
}

func (f *fakeIndex) SearchSessions(ctx context.Context, ownerID *string, query string, size int) ([]model.SearchHit, error) {
	f.owner, f.query, f.size = ownerID, query, size
	return []model.SearchHit{{SessionID: "research_hit", Score: 1.5}}, nil
}

type fakeArchive struct {
	deleted []string
}

func (f *fakeArchive) DeleteArchive(ctx context.Context, sessionID string) error {
	f.deleted = append(f.deleted, sessionID)
	return errors.New("minio unavailable")
}

func (f *fakeArchive) PresignedURL(ctx context.Context, sessionID string, expiry time.Duration) (string, error) {
	return "http://minio.local/research-archive/sessions/" + sessionID + ".json", nil
}

type serviceHarness struct {
	svc        ResearchService
	repo       repository.ResearchRepository
	tracker    *tracker.Tracker
	dispatcher *recordingDispatcher
	runs       *fakeCanceller
	archive    *fakeArchive
	index      *fakeIndex
}

func testResearchConfig() config.ResearchConfig {
	return config.ResearchConfig{
		DefaultInterviews: 3,
		DefaultQuestions:  5,
		MaxInterviews:     10,
		MaxQuestions:      10,
		ListLimit:         50,
	}
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	h := &serviceHarness{
		repo:       repository.NewResearchRepository(db),
		tracker:    tracker.New(repository.NewMemoryProgressStore(), time.Hour),
		dispatcher: &recordingDispatcher{},
		runs:       &fakeCanceller{},
		archive:    &fakeArchive{},
		index:      &fakeIndex{},
	}
	h.svc = NewResearchService(h.repo, h.tracker, h.dispatcher, h.runs, h.archive, h.index, testResearchConfig())
	return h
}

func intPtr(v int) *int       { return &v }
func strPtr(s string) *string { return &s }

func (h *serviceHarness) submit(t *testing.T, owner *string) *SubmitResult {
	t.Helper()
	res, err := h.svc.SubmitResearch(context.Background(), SubmitRequest{
		ResearchQuestion:  "  How do nurses plan shifts?  ",
		TargetDemographic: "ICU nurses",
		NumInterviews:     intPtr(2),
		OwnerID:           owner,
	})
	require.NoError(t, err)
	return res
}

func TestSubmitResearchCreatesPendingSession(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	res := h.submit(t, strPtr("user-1"))
	assert.Regexp(t, `^research_[0-9a-f-]{36}$`, res.SessionID)
	assert.Equal(t, model.SessionPending, res.Status)

	session, err := h.repo.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "How do nurses plan shifts?", session.ResearchQuestion)
	assert.Equal(t, 2, session.NumInterviews)
	assert.Equal(t, 5, session.NumQuestions)
	assert.Equal(t, res.WorkflowID, session.WorkflowID)
	require.NotNil(t, session.OwnerID)
	assert.Equal(t, "user-1", *session.OwnerID)

	progress, err := h.svc.GetProgress(ctx, res.SessionID, strPtr("user-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, progress.TotalSubsteps)
	assert.GreaterOrEqual(t, progress.TotalSteps, 4)
	assert.Zero(t, progress.ProgressPercentage)
	assert.Zero(t, progress.CompletedSteps)

	require.Len(t, h.dispatcher.tasks, 1)
	task := h.dispatcher.tasks[0]
	assert.Equal(t, res.SessionID, task.SessionID)
	assert.Equal(t, res.WorkflowID, task.WorkflowID)
}

func TestSubmitResearchValidation(t *testing.T) {
	h := newServiceHarness(t)
	cases := map[string]SubmitRequest{
		"empty question":    {ResearchQuestion: "   ", TargetDemographic: "x"},
		"empty demographic": {ResearchQuestion: "Why?", TargetDemographic: ""},
		"zero interviews":   {ResearchQuestion: "Why?", TargetDemographic: "x", NumInterviews: intPtr(0)},
		"too many":          {ResearchQuestion: "Why?", TargetDemographic: "x", NumQuestions: intPtr(11)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.SubmitResearch(context.Background(), req)
			assert.ErrorIs(t, err, model.ErrInvalidRequest)
		})
	}
	assert.Empty(t, h.dispatcher.tasks)
	sessions, err := h.svc.ListSessions(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSubmitResearchDispatchFailure(t *testing.T) {
	h := newServiceHarness(t)
	h.dispatcher.err = ErrQueueFull
	ctx := context.Background()

	_, err := h.svc.SubmitResearch(ctx, SubmitRequest{ResearchQuestion: "Why?", TargetDemographic: "x"})
	require.ErrorIs(t, err, ErrQueueFull)

	sessions, err := h.svc.ListSessions(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionFailed, sessions[0].Status)

	progress, err := h.tracker.GetProgressBySession(ctx, sessions[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, progress.Status)
	assert.Equal(t, model.StepSkipped, progress.Steps[0].Status)
}

func TestOwnershipRules(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	owned := h.submit(t, strPtr("user-1"))
	anon := h.submit(t, nil)

	_, err := h.svc.GetSession(ctx, owned.SessionID, strPtr("user-1"))
	assert.NoError(t, err)
	_, err = h.svc.GetSession(ctx, owned.SessionID, strPtr("user-2"))
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = h.svc.GetSession(ctx, owned.SessionID, nil)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = h.svc.GetProgress(ctx, owned.SessionID, nil)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = h.svc.GetSession(ctx, anon.SessionID, strPtr("user-2"))
	assert.NoError(t, err)
	_, err = h.svc.GetSession(ctx, "research_missing", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, h.svc.DeleteSession(ctx, owned.SessionID, strPtr("user-2")), model.ErrForbidden)

	mine, err := h.svc.ListSessions(ctx, strPtr("user-1"), 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, owned.SessionID, mine[0].SessionID)

	guest, err := h.svc.ListSessions(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, guest, 1)
	assert.Equal(t, anon.SessionID, guest[0].SessionID)
}

func TestGetSessionBeforeRun(t *testing.T) {
	h := newServiceHarness(t)
	res := h.submit(t, nil)

	detail, err := h.svc.GetSession(context.Background(), res.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPending, detail.Session.Status)
	assert.Empty(t, detail.Personas)
	assert.Empty(t, detail.Interviews)
	assert.Nil(t, detail.Synthesis)
}

func TestGetSessionIsIdempotentWhenCompleted(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	res := h.submit(t, nil)

	require.NoError(t, h.repo.TransitionStatus(ctx, res.SessionID, model.SessionRunning, ""))
	require.NoError(t, h.repo.SaveQuestions(ctx, res.SessionID, []string{"Q1?", "Q2?"}))
	personas := []*model.Persona{
		{SessionID: res.SessionID, Position: 0, Name: "Ana", Traits: model.EncodeStrings([]string{"calm"})},
		{SessionID: res.SessionID, Position: 1, Name: "Bo", Traits: model.EncodeStrings([]string{"direct"})},
	}
	require.NoError(t, h.repo.CreatePersonas(ctx, personas))
	for _, p := range personas {
		for seq, q := range []string{"Q1?", "Q2?"} {
			require.NoError(t, h.repo.CreateInterviewResponse(ctx, &model.InterviewResponse{
				SessionID: res.SessionID, PersonaID: p.ID, Sequence: seq, Question: q, Answer: p.Name + " answers " + q,
			}))
		}
	}
	require.NoError(t, h.repo.CompleteSession(ctx, res.SessionID, "Nurses want predictable rosters."))

	first, err := h.svc.GetSession(ctx, res.SessionID, nil)
	require.NoError(t, err)
	second, err := h.svc.GetSession(ctx, res.SessionID, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, model.SessionCompleted, first.Session.Status)
	require.NotNil(t, first.Synthesis)
	require.Len(t, first.Personas, 2)
	require.Len(t, first.Interviews, 2)
	assert.Len(t, first.Interviews[0].Responses, 2)
}

func TestProgressViews(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	res := h.submit(t, nil)

	require.NoError(t, h.tracker.BeginStep(ctx, res.WorkflowID, tracker.StepSetup, nil))
	require.NoError(t, h.tracker.CompleteStep(ctx, res.WorkflowID, tracker.StepSetup, nil))
	require.NoError(t, h.tracker.BeginStep(ctx, res.WorkflowID, tracker.StepQuestions, nil))

	steps, err := h.svc.GetSteps(ctx, res.SessionID, nil)
	require.NoError(t, err)
	require.Len(t, steps, 6)
	assert.Equal(t, model.StepCompleted, steps[0].Status)

	cur, err := h.svc.GetCurrentStep(ctx, res.SessionID, nil)
	require.NoError(t, err)
	require.NotNil(t, cur.CurrentStep)
	assert.Equal(t, tracker.StepQuestions, cur.CurrentStep.ID)
	assert.Equal(t, 16.7, cur.ProgressPercentage)
	assert.Equal(t, model.SessionRunning, cur.Status)
}

func TestDeleteSessionCleansUp(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	res := h.submit(t, strPtr("user-1"))

	require.NoError(t, h.svc.DeleteSession(ctx, res.SessionID, strPtr("user-1")))

	// 删除行前后各取消一次运行
	assert.Equal(t, []string{res.SessionID, res.SessionID}, h.runs.cancelled)
	assert.Equal(t, []string{res.SessionID}, h.archive.deleted)
	assert.Equal(t, []string{res.SessionID}, h.index.deleted)
	_, err := h.repo.GetSession(ctx, res.SessionID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.tracker.GetProgressBySession(ctx, res.SessionID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.svc.GetSession(ctx, res.SessionID, strPtr("user-1"))
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.svc.GetProgress(ctx, res.SessionID, strPtr("user-1"))
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.svc.GetSteps(ctx, res.SessionID, strPtr("user-1"))
	assert.ErrorIs(t, err, model.ErrNotFound)
	listed, err := h.svc.ListSessions(ctx, strPtr("user-1"), 0)
	require.NoError(t, err)
	assert.Empty(t, listed)
	stats, err := h.svc.Stats(ctx, strPtr("user-1"))
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSessions)

	assert.ErrorIs(t, h.svc.DeleteSession(ctx, res.SessionID, strPtr("user-1")), model.ErrNotFound)
}

func TestSearchSessions(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	hits, err := h.svc.SearchSessions(ctx, strPtr("user-1"), " shifts ", 500)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "shifts", h.index.query)
	assert.Equal(t, 50, h.index.size)
	assert.Equal(t, "user-1", *h.index.owner)

	_, err = h.svc.SearchSessions(ctx, nil, "  ", 10)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	disabled := NewResearchService(h.repo, h.tracker, h.dispatcher, nil, nil, nil, testResearchConfig())
	_, err = disabled.SearchSessions(ctx, nil, "shifts", 10)
	assert.ErrorIs(t, err, ErrSearchDisabled)
}

func TestStats(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		h.submit(t, strPtr("user-1"))
	}
	h.submit(t, nil)

	stats, err := h.svc.Stats(ctx, strPtr("user-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.TotalSessions)
	assert.Len(t, stats.RecentSessions, recentSessions)
}

func TestGetArchiveURL(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	res := h.submit(t, strPtr("user-1"))

	_, _, err := h.svc.GetArchiveURL(ctx, res.SessionID, strPtr("user-1"))
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, _, err = h.svc.GetArchiveURL(ctx, res.SessionID, nil)
	assert.ErrorIs(t, err, model.ErrForbidden)

	require.NoError(t, h.repo.TransitionStatus(ctx, res.SessionID, model.SessionRunning, ""))
	require.NoError(t, h.repo.CompleteSession(ctx, res.SessionID, "All nurses want predictability."))

	url, expiry, err := h.svc.GetArchiveURL(ctx, res.SessionID, strPtr("user-1"))
	require.NoError(t, err)
	assert.Contains(t, url, res.SessionID+".json")
	assert.Equal(t, archiveURLExpiry, expiry)

	disabled := NewResearchService(h.repo, h.tracker, h.dispatcher, nil, nil, nil, testResearchConfig())
	_, _, err = disabled.GetArchiveURL(ctx, res.SessionID, strPtr("user-1"))
	assert.ErrorIs(t, err, ErrArchiveDisabled)
}
