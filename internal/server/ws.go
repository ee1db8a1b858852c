package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"underwriter/internal/notify"
)

const wsWriteTimeout = 10 * time.Second

// Socket message types beyond the pushed lifecycle events.
const (
	wsInitialState = "initial_state"
	wsStateUpdate  = "state_update"
	wsPong         = "pong"
	wsError        = "error"
)

type wsOutbound struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

type wsInbound struct {
	Type string `json:"type"`
}

// workflowSocket streams a run's topic to one websocket client. The client
// may send {"type":"ping"} or {"type":"get_state"} at any time.
func workflowSocket(cfg Config) http.HandlerFunc {
	log := cfg.Logger.WithComponent("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		run, err := cfg.Engine.State(r.Context(), runID)
		if err != nil {
			writeError(w, handleError(err))
			return
		}

		// Join before sending the initial state so no event falls in between.
		sub := cfg.Broker.Subscribe(runID)
		defer sub.Close()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			log.Warn("websocket accept failed", "run_id", runID, "error", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		send := func(msg wsOutbound) error {
			if msg.Timestamp == "" {
				msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			defer wcancel()
			return wsjson.Write(wctx, conn, msg)
		}

		if err := send(wsOutbound{Type: wsInitialState, RunID: runID, Data: workflowResponse(run)}); err != nil {
			return
		}

		go func() {
			defer cancel()
			for {
				var in wsInbound
				if err := wsjson.Read(ctx, conn, &in); err != nil {
					return
				}
				var err error
				switch in.Type {
				case "ping":
					err = send(wsOutbound{Type: wsPong, RunID: runID})
				case "get_state":
					state, serr := cfg.Engine.State(ctx, runID)
					if serr != nil {
						err = send(wsOutbound{Type: wsError, RunID: runID, Data: map[string]string{"message": serr.Error()}})
					} else {
						err = send(wsOutbound{Type: wsStateUpdate, RunID: runID, Data: workflowResponse(state)})
					}
				default:
					err = send(wsOutbound{Type: wsError, RunID: runID, Data: map[string]string{"message": "unknown message type: " + in.Type}})
				}
				if err != nil {
					return
				}
			}
		}()

		for {
			select {
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if err := send(outboundEvent(evt)); err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func outboundEvent(evt notify.Event) wsOutbound {
	return wsOutbound{Type: evt.Type, RunID: evt.RunID, Data: evt.Data, Timestamp: evt.Timestamp}
}

// writeError renders the API error envelope outside of huma.
func writeError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
