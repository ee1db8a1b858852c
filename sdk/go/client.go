package underwritersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Underwriter HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

// StartRequest identifies a workflow run to start.
type StartRequest struct {
	RunID     string         `json:"run_id"`
	SubjectID string         `json:"subject_id"`
	CaseRef   string         `json:"case_ref"`
	InputData map[string]any `json:"input_data,omitempty"`
}

// Started is the acknowledgement of a start request.
type Started struct {
	Status  string `json:"status"`
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

// RiskFactor is one risk raised by a stage.
type RiskFactor struct {
	Category     string `json:"category,omitempty"`
	Severity     string `json:"severity,omitempty"`
	Description  string `json:"description"`
	Mitigation   string `json:"mitigation,omitempty"`
	IdentifiedBy string `json:"identified_by,omitempty"`
}

// Decision is the final outcome of a completed run.
type Decision struct {
	Decision            string       `json:"decision"`
	RiskScore           int          `json:"risk_score"`
	Confidence          float64      `json:"confidence"`
	DecisionMemo        string       `json:"decision_memo"`
	ExecutiveSummary    string       `json:"executive_summary,omitempty"`
	Conditions          []string     `json:"conditions,omitempty"`
	RiskFactors         []RiskFactor `json:"risk_factors,omitempty"`
	RequiresHumanReview bool         `json:"requires_human_review"`
	DecidedAt           string       `json:"decided_at"`
}

// Workflow represents the API workflow model.
type Workflow struct {
	RunID           string    `json:"run_id"`
	SubjectID       string    `json:"subject_id"`
	CaseRef         string    `json:"case_ref"`
	Status          string    `json:"status"`
	ActiveStage     string    `json:"active_stage,omitempty"`
	ProgressPercent int       `json:"progress_percent"`
	CompletedStages []string  `json:"completed_stages"`
	Attempt         int       `json:"attempt"`
	StartedAt       string    `json:"started_at"`
	CompletedAt     *string   `json:"completed_at,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	Decision        *Decision `json:"decision,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// StageResult is the output of one stage.
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
	CompletedAt      string         `json:"completed_at,omitempty"`
}

// Agent is a hub participant.
type Agent struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
	LastSeen     string   `json:"last_seen"`
}

// Message is a hub message.
type Message struct {
	ID            string         `json:"id,omitempty"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Kind          string         `json:"kind,omitempty"`
	Action        string         `json:"action"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     string         `json:"timestamp,omitempty"`
}

// AuditEvent is one entry of a run's audit trail.
type AuditEvent struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	RunID       string `json:"run_id"`
	Stage       string `json:"stage,omitempty"`
	Description string `json:"description"`
	Payload     string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// StartWorkflow starts a run. The server answers before any stage runs.
func (c *Client) StartWorkflow(ctx context.Context, req StartRequest) (Started, error) {
	var resp Started
	err := c.do(ctx, http.MethodPost, "workflows/start", req, &resp)
	return resp, err
}

// GetWorkflow returns the current state of a run.
func (c *Client) GetWorkflow(ctx context.Context, runID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListWorkflows returns recent runs, optionally filtered by status.
func (c *Client) ListWorkflows(ctx context.Context, status string, limit int) ([]Workflow, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "workflows"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Workflow `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Results returns the stage results of a run in completion order.
func (c *Client) Results(ctx context.Context, runID string) ([]StageResult, error) {
	var resp []StageResult
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(runID)+"/results", nil, &resp)
	return resp, err
}

// Decision returns the final decision. A run still in progress yields an
// APIError with code not_decided.
func (c *Client) Decision(ctx context.Context, runID string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(runID)+"/decision", nil, &resp)
	return resp, err
}

// CancelWorkflow asks the server to stop a running workflow.
func (c *Client) CancelWorkflow(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "workflows/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Audit returns a run's audit trail.
func (c *Client) Audit(ctx context.Context, runID string) ([]AuditEvent, error) {
	var resp struct {
		Items []AuditEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(runID)+"/audit", nil, &resp)
	return resp.Items, err
}

// ListAgents returns the hub roster.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp.Items, err
}

// FindAgents returns online agents advertising capability.
func (c *Client) FindAgents(ctx context.Context, capability string) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "agents/search?capability="+url.QueryEscape(capability), nil, &resp)
	return resp.Items, err
}

// SendMessage queues a point-to-point message and returns its id.
func (c *Client) SendMessage(ctx context.Context, msg Message) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	err := c.do(ctx, http.MethodPost, "messages", msg, &resp)
	return resp.MessageID, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
