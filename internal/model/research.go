// Package model 定义了与数据库表对应的 Go 结构体以及对外返回的数据结构。
package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// SessionStatus 是研究会话的生命周期状态。
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal 表示状态是否为终态。
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// AllowedPredecessors 返回可以迁移到 s 的前置状态。状态只能单向前进。
func (s SessionStatus) AllowedPredecessors() []SessionStatus {
	switch s {
	case SessionRunning:
		return []SessionStatus{SessionPending}
	case SessionCompleted:
		return []SessionStatus{SessionRunning}
	case SessionFailed:
		return []SessionStatus{SessionPending, SessionRunning}
	default:
		return nil
	}
}

// NoResponseMarker 是某个问题在重试耗尽后写入的占位回答。
const NoResponseMarker = "[no response]"

// ResearchSession 对应 research_sessions 表，一次完整研究运行对应一条记录。
type ResearchSession struct {
	ID                uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID         string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"session_id"`
	WorkflowID        string         `gorm:"type:varchar(64)" json:"workflow_id"`
	OwnerID           *string        `gorm:"type:varchar(255);index" json:"owner_id"`
	ResearchQuestion  string         `gorm:"type:text;not null" json:"research_question"`
	TargetDemographic string         `gorm:"type:text;not null" json:"target_demographic"`
	NumInterviews     int            `gorm:"not null" json:"num_interviews"`
	NumQuestions      int            `gorm:"not null" json:"num_questions"`
	Status            SessionStatus  `gorm:"type:varchar(20);not null;default:pending;index" json:"status"`
	Questions         datatypes.JSON `json:"questions"`
	Synthesis         string         `gorm:"type:text" json:"-"`
	ErrorMessage      string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ResearchSession) TableName() string {
	return "research_sessions"
}

// QuestionList 解析已持久化的访谈问题列表。
func (s *ResearchSession) QuestionList() []string {
	return decodeStrings(s.Questions)
}

// Persona 对应 personas 表。一个会话恰好拥有 num_interviews 个画像，批量写入后不再修改。
type Persona struct {
	ID                 uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID          string         `gorm:"type:varchar(64);index;not null" json:"-"`
	Position           int            `gorm:"not null" json:"position"`
	Name               string         `gorm:"type:varchar(255);not null" json:"name"`
	Age                int            `json:"age"`
	Role               string         `gorm:"type:varchar(255)" json:"role"`
	Traits             datatypes.JSON `json:"traits"`
	CommunicationStyle string         `gorm:"type:text" json:"communication_style"`
	Background         string         `gorm:"type:text" json:"background"`
	// Fallback 表示该画像由模板兜底生成，而不是来自模型输出
	Fallback  bool      `gorm:"not null;default:false" json:"fallback"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Persona) TableName() string {
	return "personas"
}

// TraitList 返回有序的性格特征列表。
func (p *Persona) TraitList() []string {
	return decodeStrings(p.Traits)
}

// InterviewResponse 对应 interview_responses 表，即访谈记录中的一问一答。
// 同一画像下 sequence 构成 {0..num_questions-1}，不允许出现空洞。
type InterviewResponse struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(64);index;not null" json:"-"`
	PersonaID uint      `gorm:"not null;uniqueIndex:idx_persona_sequence" json:"persona_id"`
	Sequence  int       `gorm:"not null;uniqueIndex:idx_persona_sequence" json:"sequence"`
	Question  string    `gorm:"type:text;not null" json:"question"`
	Answer    string    `gorm:"type:text;not null" json:"answer"`
	Degraded  bool      `gorm:"not null;default:false" json:"degraded"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (InterviewResponse) TableName() string {
	return "interview_responses"
}

// EncodeStrings 把字符串切片编码为 JSON 列。
func EncodeStrings(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return datatypes.JSON(b)
}

func decodeStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return []string{}
	}
	return out
}
