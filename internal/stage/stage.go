// Package stage defines the contract between the orchestrator and the
// handlers that perform one pipeline step.
package stage

import (
	"context"
	"strings"

	"underwriter/internal/domain"
)

// Input is what a handler sees for one invocation. Prior holds completed
// stage results keyed by ShortName and must be treated as read-only.
type Input struct {
	RunID   string
	CaseRef string
	Stage   string
	Attempt int
	Data    map[string]any
	Prior   map[string]domain.StageResult
}

type Handler interface {
	Run(ctx context.Context, in Input) (domain.StageResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (domain.StageResult, error)

func (f HandlerFunc) Run(ctx context.Context, in Input) (domain.StageResult, error) {
	return f(ctx, in)
}

// ShortName strips the role suffix from a stage id, so credit_analyst and
// critic_agent are looked up as credit and critic.
func ShortName(id string) string {
	for _, suffix := range []string{"_analyst", "_agent"} {
		if s, ok := strings.CutSuffix(id, suffix); ok && s != "" {
			return s
		}
	}
	return id
}
