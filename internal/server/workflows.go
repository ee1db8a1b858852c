package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"underwriter/internal/domain"
	"underwriter/internal/engine"
)

// AuditLog reads a run's audit trail.
type AuditLog interface {
	EventsForRun(ctx context.Context, runID string) ([]domain.AuditEvent, error)
}

type runPath struct {
	RunID string `path:"run_id"`
}

func registerWorkflows(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/start",
		Summary:       "Start an underwriting workflow",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartWorkflowRequest
	}) (*struct {
		Body StartWorkflowResponse `json:"body"`
	}, error) {
		run, err := e.Start(ctx, engine.StartRequest{
			RunID:     input.Body.RunID,
			SubjectID: input.Body.SubjectID,
			CaseRef:   input.Body.CaseRef,
			InputData: input.Body.InputData,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartWorkflowResponse `json:"body"`
		}{Body: StartWorkflowResponse{Status: "started", RunID: run.RunID, Attempt: run.Attempt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows, most recent first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body WorkflowList `json:"body"`
	}, error) {
		runs, err := e.ListRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		resp := WorkflowList{Items: []WorkflowResponse{}}
		for _, run := range runs {
			if input.Status != "" && run.Status != input.Status {
				continue
			}
			resp.Items = append(resp.Items, workflowResponse(run))
			if len(resp.Items) == limit {
				break
			}
		}
		return &struct {
			Body WorkflowList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{run_id}",
		Summary:     "Get workflow state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		run, err := e.State(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow-results",
		Method:      http.MethodGet,
		Path:        "/workflows/{run_id}/results",
		Summary:     "List stage results in completion order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body []domain.StageResult `json:"body"`
	}, error) {
		results, err := e.Results(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StageResult `json:"body"`
		}{Body: results}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow-decision",
		Method:      http.MethodGet,
		Path:        "/workflows/{run_id}/decision",
		Summary:     "Get the final decision",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Decision `json:"body"`
	}, error) {
		decision, err := e.Decision(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Decision `json:"body"`
		}{Body: decision}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/{run_id}/cancel",
		Summary:       "Cancel a running workflow",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body CancelWorkflowResponse `json:"body"`
	}, error) {
		if err := e.Cancel(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CancelWorkflowResponse `json:"body"`
		}{Body: CancelWorkflowResponse{Status: "cancelling", RunID: input.RunID}}, nil
	})

	if cfg.Audit == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-workflow-audit",
		Method:      http.MethodGet,
		Path:        "/workflows/{run_id}/audit",
		Summary:     "List a workflow's audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body AuditList `json:"body"`
	}, error) {
		if _, err := e.State(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Audit.EventsForRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AuditEvent{}
		}
		return &struct {
			Body AuditList `json:"body"`
		}{Body: AuditList{Items: items}}, nil
	})
}
