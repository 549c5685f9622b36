package model

import "time"

// QAPair 是访谈记录中带序号的一问一答。
type QAPair struct {
	Sequence int    `json:"sequence"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Degraded bool   `json:"degraded"`
}

// InterviewTranscript 是某个画像的完整访谈记录。
type InterviewTranscript struct {
	PersonaID       uint     `json:"persona_id"`
	PersonaName     string   `json:"persona_name"`
	Responses       []QAPair `json:"responses"`
	DegradedAnswers int      `json:"degraded_answers"`
}

// SynthesisReport 是整场研究的综合分析。
type SynthesisReport struct {
	Text      string     `json:"text"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// PersonaView 是返回给前端的画像结构，Traits 已解码为字符串列表。
type PersonaView struct {
	ID                 uint     `json:"id"`
	Position           int      `json:"position"`
	Name               string   `json:"name"`
	Age                int      `json:"age"`
	Role               string   `json:"role"`
	Traits             []string `json:"traits"`
	CommunicationStyle string   `json:"communication_style"`
	Background         string   `json:"background"`
	Fallback           bool     `json:"fallback"`
}

// NewPersonaView 把数据库模型转换为视图。
func NewPersonaView(p *Persona) PersonaView {
	return PersonaView{
		ID:                 p.ID,
		Position:           p.Position,
		Name:               p.Name,
		Age:                p.Age,
		Role:               p.Role,
		Traits:             p.TraitList(),
		CommunicationStyle: p.CommunicationStyle,
		Background:         p.Background,
		Fallback:           p.Fallback,
	}
}

// SessionDetail 是 get_session 的完整返回：会话、画像、访谈记录与综合分析。
type SessionDetail struct {
	Session    *ResearchSession      `json:"session"`
	Questions  []string              `json:"questions"`
	Personas   []PersonaView         `json:"personas"`
	Interviews []InterviewTranscript `json:"interviews"`
	Synthesis  *SynthesisReport      `json:"synthesis"`
}

// SessionSummary 是会话列表中的一项。
type SessionSummary struct {
	SessionID         string        `json:"session_id"`
	ResearchQuestion  string        `json:"research_question"`
	TargetDemographic string        `json:"target_demographic"`
	NumInterviews     int           `json:"num_interviews"`
	NumQuestions      int           `json:"num_questions"`
	Status            SessionStatus `json:"status"`
	PersonaCount      int64         `json:"persona_count"`
	CreatedAt         time.Time     `json:"created_at"`
}

// DashboardStats 是仪表盘统计数据。
type DashboardStats struct {
	TotalSessions   int64            `json:"total_sessions"`
	TotalPersonas   int64            `json:"total_personas"`
	TotalInterviews int64            `json:"total_interviews"`
	TotalResponses  int64            `json:"total_responses"`
	RecentSessions  []SessionSummary `json:"recent_sessions"`
}

// SearchHit 是一次会话全文检索的命中结果。
type SearchHit struct {
	SessionID         string    `json:"session_id"`
	ResearchQuestion  string    `json:"research_question"`
	TargetDemographic string    `json:"target_demographic"`
	Score             float64   `json:"score"`
	CreatedAt         time.Time `json:"created_at"`
}
