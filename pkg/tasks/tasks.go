// Package tasks defines the messages that hand research runs to workers.
package tasks

import "time"

// ResearchTask asks a worker to run the research workflow of one pending session.
type ResearchTask struct {
	SessionID   string    `json:"session_id"`
	WorkflowID  string    `json:"workflow_id"`
	OwnerID     *string   `json:"owner_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}
