package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"underwriter/internal/domain"
	"underwriter/internal/hub"
)

type agentPath struct {
	AgentID string `path:"agent_id"`
}

func registerAgents(api huma.API, h *hub.Hub) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentList `json:"body"`
	}, error) {
		return &struct {
			Body AgentList `json:"body"`
		}{Body: AgentList{Items: h.List(ctx)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "find-agents",
		Method:      http.MethodGet,
		Path:        "/agents/search",
		Summary:     "Find online agents by capability",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Capability string `query:"capability" required:"true"`
	}) (*struct {
		Body AgentList `json:"body"`
	}, error) {
		items := h.FindByCapability(ctx, input.Capability)
		if items == nil {
			items = []domain.Participant{}
		}
		return &struct {
			Body AgentList `json:"body"`
		}{Body: AgentList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register or update an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		p, err := h.Register(ctx, domain.Participant{
			ID:           input.Body.ID,
			DisplayName:  input.Body.DisplayName,
			Capabilities: input.Body.Capabilities,
			Status:       input.Body.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		p, err := h.Get(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unregister-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}",
		Summary:     "Unregister an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct{}, error) {
		if err := h.Unregister(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent-status",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}/status",
		Summary:     "Update an agent's status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Body    UpdateAgentStatusRequest
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		if !h.UpdateStatus(ctx, input.AgentID, input.Body.Status) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown participant: "+input.AgentID, nil)
		}
		p, err := h.Get(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-messages",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/messages",
		Summary:     "Read an agent's queue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body MessageList `json:"body"`
	}, error) {
		if _, err := h.Get(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageList `json:"body"`
		}{Body: MessageList{Items: h.Messages(input.AgentID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-agent-messages",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}/messages",
		Summary:     "Drain an agent's queue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body ClearResponse `json:"body"`
	}, error) {
		if _, err := h.Get(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClearResponse `json:"body"`
		}{Body: ClearResponse{Cleared: h.Clear(input.AgentID)}}, nil
	})
}

func registerMessages(api huma.API, h *hub.Hub) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Send a point-to-point message",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SendMessageRequest
	}) (*struct {
		Body SendMessageResponse `json:"body"`
	}, error) {
		id, err := h.Send(ctx, domain.Message{
			From:          input.Body.From,
			To:            input.Body.To,
			Kind:          input.Body.Kind,
			Action:        input.Body.Action,
			Payload:       input.Body.Payload,
			CorrelationID: input.Body.CorrelationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SendMessageResponse `json:"body"`
		}{Body: SendMessageResponse{MessageID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "broadcast-message",
		Method:        http.MethodPost,
		Path:          "/messages/broadcast",
		Summary:       "Send a message to every other agent",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BroadcastRequest
	}) (*struct {
		Body BroadcastResponse `json:"body"`
	}, error) {
		ids, err := h.Broadcast(ctx, input.Body.From, input.Body.Action, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		if ids == nil {
			ids = []string{}
		}
		return &struct {
			Body BroadcastResponse `json:"body"`
		}{Body: BroadcastResponse{MessageIDs: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-message",
		Method:      http.MethodPost,
		Path:        "/messages/request",
		Summary:     "Send a request and wait for its response",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		Body RequestMessageRequest
	}) (*struct {
		Body RequestMessageResponse `json:"body"`
	}, error) {
		timeout := time.Duration(input.Body.TimeoutMS) * time.Millisecond
		payload, err := h.Request(ctx, input.Body.From, input.Body.To, input.Body.Action, input.Body.Payload, timeout)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestMessageResponse `json:"body"`
		}{Body: RequestMessageResponse{Payload: payload}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "respond-message",
		Method:        http.MethodPost,
		Path:          "/messages/respond",
		Summary:       "Answer a pending request",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RespondMessageRequest
	}) (*struct {
		Body SendMessageResponse `json:"body"`
	}, error) {
		id, err := h.Respond(ctx, domain.Message{
			From:          input.Body.To,
			To:            input.Body.From,
			Action:        input.Body.Action,
			CorrelationID: input.Body.CorrelationID,
		}, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SendMessageResponse `json:"body"`
		}{Body: SendMessageResponse{MessageID: id}}, nil
	})
}
