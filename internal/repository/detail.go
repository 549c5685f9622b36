package repository

import (
	"context"
	"persona-research-go/internal/model"
)

// LoadSessionDetail 组装会话的完整视图：画像按 position 排序，访谈记录按 sequence 排序。
func LoadSessionDetail(ctx context.Context, repo ResearchRepository, session *model.ResearchSession) (*model.SessionDetail, error) {
	personas, err := repo.ListPersonas(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	responses, err := repo.ListInterviewResponses(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}

	byPersona := make(map[uint][]model.QAPair, len(personas))
	degraded := make(map[uint]int, len(personas))
	for _, r := range responses {
		byPersona[r.PersonaID] = append(byPersona[r.PersonaID], model.QAPair{
			Sequence: r.Sequence,
			Question: r.Question,
			Answer:   r.Answer,
			Degraded: r.Degraded,
		})
		if r.Degraded {
			degraded[r.PersonaID]++
		}
	}

	detail := &model.SessionDetail{
		Session:    session,
		Questions:  session.QuestionList(),
		Personas:   make([]model.PersonaView, 0, len(personas)),
		Interviews: make([]model.InterviewTranscript, 0, len(personas)),
	}
	for i := range personas {
		p := &personas[i]
		detail.Personas = append(detail.Personas, model.NewPersonaView(p))
		qa := byPersona[p.ID]
		if qa == nil {
			qa = []model.QAPair{}
		}
		detail.Interviews = append(detail.Interviews, model.InterviewTranscript{
			PersonaID:       p.ID,
			PersonaName:     p.Name,
			Responses:       qa,
			DegradedAnswers: degraded[p.ID],
		})
	}
	if session.Status == model.SessionCompleted && session.Synthesis != "" {
		detail.Synthesis = &model.SynthesisReport{
			Text:      session.Synthesis,
			CreatedAt: session.CompletedAt,
		}
	}
	return detail, nil
}
