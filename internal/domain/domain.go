package domain

import "slices"

// Run status values. While a stage executes, Status holds that stage's id.
const (
	StatusInitializing = "initializing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

type PipelineRun struct {
	RunID           string                 `json:"run_id"`
	SubjectID       string                 `json:"subject_id"`
	CaseRef         string                 `json:"case_ref"`
	Status          string                 `json:"status"`
	ActiveStage     string                 `json:"active_stage,omitempty"`
	ProgressPercent int                    `json:"progress_percent" minimum:"0" maximum:"100"`
	InputData       map[string]any         `json:"input_data,omitempty"`
	Results         map[string]StageResult `json:"results,omitempty"`
	CompletedStages []string               `json:"completed_stages,omitempty"`
	Decision        *Decision              `json:"decision,omitempty"`
	Attempt         int                    `json:"attempt"`
	StartedAt       string                 `json:"started_at" format:"date-time"`
	CompletedAt     *string                `json:"completed_at,omitempty" format:"date-time"`
	DurationSeconds *int                   `json:"duration_seconds,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// Terminal reports whether the run reached completed or failed.
func (r PipelineRun) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// OrderedResults returns stage results in completion order.
func (r PipelineRun) OrderedResults() []StageResult {
	out := make([]StageResult, 0, len(r.CompletedStages))
	for _, id := range r.CompletedStages {
		if res, ok := r.Results[id]; ok {
			out = append(out, res)
		}
	}
	return out
}

// Clone returns a copy that shares no mutable maps or slices with r.
func (r PipelineRun) Clone() PipelineRun {
	out := r
	if r.Results != nil {
		out.Results = make(map[string]StageResult, len(r.Results))
		for k, v := range r.Results {
			out.Results[k] = v
		}
	}
	out.CompletedStages = slices.Clone(r.CompletedStages)
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

type StageResult struct {
	Stage            string         `json:"stage"`
	AnalysisText     string         `json:"analysis_text"`
	StructuredData   map[string]any `json:"structured_data,omitempty"`
	Recommendation   string         `json:"recommendation,omitempty"`
	RiskFactors      []RiskFactor   `json:"risk_factors,omitempty"`
	Conditions       []string       `json:"conditions,omitempty"`
	ConfidenceScore  float64        `json:"confidence_score"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	TokensUsed       int            `json:"tokens_used"`
	CompletedAt      string         `json:"completed_at,omitempty" format:"date-time"`
}

type RiskFactor struct {
	Category     string `json:"category,omitempty" enum:"credit,income,asset,collateral,compliance,fraud"`
	Severity     string `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Description  string `json:"description"`
	Mitigation   string `json:"mitigation,omitempty"`
	IdentifiedBy string `json:"identified_by,omitempty"`
}

type Decision struct {
	Decision            string       `json:"decision" enum:"approved,denied,conditional,suspended,refer"`
	RiskScore           int          `json:"risk_score" minimum:"0" maximum:"100"`
	Confidence          float64      `json:"confidence"`
	DecisionMemo        string       `json:"decision_memo"`
	ExecutiveSummary    string       `json:"executive_summary,omitempty"`
	Conditions          []string     `json:"conditions,omitempty"`
	RiskFactors         []RiskFactor `json:"risk_factors,omitempty"`
	RequiresHumanReview bool         `json:"requires_human_review"`
	DecidedAt           string       `json:"decided_at" format:"date-time"`
}

type ParticipantStatus string

const (
	ParticipantOnline  ParticipantStatus = "online"
	ParticipantOffline ParticipantStatus = "offline"
	ParticipantBusy    ParticipantStatus = "busy"
)

// Valid reports whether s is one of the known participant states.
func (s ParticipantStatus) Valid() bool {
	switch s {
	case ParticipantOnline, ParticipantOffline, ParticipantBusy:
		return true
	}
	return false
}

type Participant struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"display_name"`
	Capabilities []string          `json:"capabilities"`
	Status       ParticipantStatus `json:"status" enum:"online,offline,busy"`
	LastSeen     string            `json:"last_seen" format:"date-time"`
}

// HasCapability reports whether the participant advertises tag.
func (p Participant) HasCapability(tag string) bool {
	return slices.Contains(p.Capabilities, tag)
}

type MessageKind string

const (
	MessageRequest   MessageKind = "request"
	MessageResponse  MessageKind = "response"
	MessageBroadcast MessageKind = "broadcast"
)

type Message struct {
	ID            string         `json:"id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Kind          MessageKind    `json:"kind" enum:"request,response,broadcast"`
	Action        string         `json:"action"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     string         `json:"timestamp" format:"date-time"`
}

type AuditEvent struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	RunID       string `json:"run_id"`
	Stage       string `json:"stage,omitempty"`
	Description string `json:"description"`
	Payload     string `json:"payload_json"`
}
