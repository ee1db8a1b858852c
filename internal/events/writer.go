package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types, mirroring the system of record's audit trail.
const (
	WorkflowStarted = "workflow_started"
	AgentStarted    = "agent_started"
	AgentCompleted  = "agent_completed"
	DecisionMade    = "decision_made"
	Error           = "error"
)

// Writer appends audit trail rows.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one audit event for a run. stage may be empty.
func (w Writer) Append(ctx context.Context, evtType, runID, stage, description string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_events(ts,type,run_id,stage,description,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, runID, nullable(stage), description, string(data))
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
