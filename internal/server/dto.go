package server

import (
	"underwriter/internal/domain"
	"underwriter/internal/engine"
)

type HealthResponse struct {
	Status       string   `json:"status" example:"ok"`
	ActiveRuns   int      `json:"active_runs"`
	Participants int      `json:"participants"`
	Stages       []string `json:"stages"`
}

type StartWorkflowRequest struct {
	RunID     string         `json:"run_id" example:"wf-2024-0001"`
	SubjectID string         `json:"subject_id" example:"app-42"`
	CaseRef   string         `json:"case_ref" example:"LN-1001"`
	InputData map[string]any `json:"input_data,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type StartWorkflowResponse struct {
	Status  string `json:"status" example:"started"`
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

type CancelWorkflowResponse struct {
	Status string `json:"status" example:"cancelling"`
	RunID  string `json:"run_id"`
}

// WorkflowResponse is the run projection returned by state queries.
type WorkflowResponse struct {
	RunID           string           `json:"run_id"`
	SubjectID       string           `json:"subject_id"`
	CaseRef         string           `json:"case_ref"`
	Status          string           `json:"status"`
	ActiveStage     string           `json:"active_stage,omitempty"`
	ProgressPercent int              `json:"progress_percent"`
	CompletedStages []string         `json:"completed_stages"`
	Attempt         int              `json:"attempt"`
	StartedAt       string           `json:"started_at"`
	CompletedAt     *string          `json:"completed_at,omitempty"`
	DurationSeconds *int             `json:"duration_seconds,omitempty"`
	Decision        *domain.Decision `json:"decision,omitempty"`
	Error           string           `json:"error,omitempty"`
}

func workflowResponse(run domain.PipelineRun) WorkflowResponse {
	completed := run.CompletedStages
	if completed == nil {
		completed = []string{}
	}
	return WorkflowResponse{
		RunID:           run.RunID,
		SubjectID:       run.SubjectID,
		CaseRef:         run.CaseRef,
		Status:          run.Status,
		ActiveStage:     run.ActiveStage,
		ProgressPercent: run.ProgressPercent,
		CompletedStages: completed,
		Attempt:         run.Attempt,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		DurationSeconds: run.DurationSeconds,
		Decision:        run.Decision,
		Error:           run.Error,
	}
}

type WorkflowList struct {
	Items []WorkflowResponse `json:"items"`
}

type AuditList struct {
	Items []domain.AuditEvent `json:"items"`
}

type RegisterAgentRequest struct {
	ID           string                   `json:"id" example:"credit_analyst"`
	DisplayName  string                   `json:"display_name,omitempty"`
	Capabilities []string                 `json:"capabilities,omitempty"`
	Status       domain.ParticipantStatus `json:"status,omitempty" enum:"online,offline,busy"`
}

type UpdateAgentStatusRequest struct {
	Status domain.ParticipantStatus `json:"status" enum:"online,offline,busy"`
}

type AgentList struct {
	Items []domain.Participant `json:"items"`
}

type MessageList struct {
	Items []domain.Message `json:"items"`
}

type SendMessageRequest struct {
	From          string             `json:"from"`
	To            string             `json:"to"`
	Kind          domain.MessageKind `json:"kind,omitempty" enum:"request,response,broadcast"`
	Action        string             `json:"action"`
	Payload       map[string]any     `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

type SendMessageResponse struct {
	MessageID string `json:"message_id"`
}

type BroadcastRequest struct {
	From    string         `json:"from"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type BroadcastResponse struct {
	MessageIDs []string `json:"message_ids"`
}

type RequestMessageRequest struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	TimeoutMS int            `json:"timeout_ms,omitempty" minimum:"0"`
}

type RequestMessageResponse struct {
	Payload map[string]any `json:"payload"`
}

// RespondMessageRequest answers a pending request. From is the responder and
// To the original requester.
type RespondMessageRequest struct {
	CorrelationID string         `json:"correlation_id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Action        string         `json:"action,omitempty"`
	Payload       map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type ClearResponse struct {
	Cleared int `json:"cleared"`
}

func stageIDs(stages []engine.Stage) []string {
	ids := make([]string, len(stages))
	for i, s := range stages {
		ids[i] = s.ID
	}
	return ids
}
