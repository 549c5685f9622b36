package model

import "time"

// StepStatus 是流水线步骤的状态。
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal 表示步骤是否已经结束。
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// WorkflowStep 是一个可独立追踪的流水线步骤，Substeps 与自身结构相同，用于扇出的子任务。
type WorkflowStep struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Status       StepStatus             `json:"status"`
	StartTime    *time.Time             `json:"start_time,omitempty"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	DurationMs   *int64                 `json:"duration_ms,omitempty"`
	Metadata     map[string]interface{} `json:"metadata"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Substeps     []*WorkflowStep        `json:"substeps"`
}

// WorkflowProgress 是一次工作流运行的进度快照，供前端轮询。
type WorkflowProgress struct {
	WorkflowID         string          `json:"workflow_id"`
	SessionID          string          `json:"session_id"`
	ResearchQuestion   string          `json:"research_question"`
	Status             SessionStatus   `json:"status"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            *time.Time      `json:"end_time,omitempty"`
	Steps              []*WorkflowStep `json:"steps"`
	TotalSteps         int             `json:"total_steps"`
	CompletedSteps     int             `json:"completed_steps"`
	RunningSteps       int             `json:"running_steps"`
	FailedSteps        int             `json:"failed_steps"`
	TotalSubsteps      int             `json:"total_substeps"`
	CompletedSubsteps  int             `json:"completed_substeps"`
	ProgressPercentage float64         `json:"progress_percentage"`
	CurrentStep        *WorkflowStep   `json:"current_step"`
	// EstimatedCompletion 为 nil 表示尚无完成的步骤可供估算
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// CurrentStepView 是轻量轮询接口的返回：当前步骤与整体进度。
type CurrentStepView struct {
	WorkflowID         string        `json:"workflow_id"`
	Status             SessionStatus `json:"status"`
	CurrentStep        *WorkflowStep `json:"current_step"`
	ProgressPercentage float64       `json:"progress_percentage"`
}
