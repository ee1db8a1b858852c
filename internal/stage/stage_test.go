package stage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"underwriter/internal/domain"
	"underwriter/internal/stage"
)

func TestShortName(t *testing.T) {
	cases := map[string]string{
		"credit_analyst": "credit",
		"critic_agent":   "critic",
		"decision_agent": "decision",
		"fraud":          "fraud",
		"_analyst":       "_analyst",
	}
	for in, want := range cases {
		assert.Equal(t, want, stage.ShortName(in), in)
	}
}

func TestHandlerFunc(t *testing.T) {
	var h stage.Handler = stage.HandlerFunc(func(_ context.Context, in stage.Input) (domain.StageResult, error) {
		return domain.StageResult{Stage: in.Stage, AnalysisText: in.CaseRef}, nil
	})
	res, err := h.Run(context.Background(), stage.Input{Stage: "s1", CaseRef: "LN-1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", res.Stage)
	assert.Equal(t, "LN-1", res.AnalysisText)
}
