package engine

import (
	"math"
	"strings"

	"underwriter/internal/domain"
)

const defaultDecision = "refer"

var decisionLabels = map[string]bool{
	"approved": true, "denied": true, "conditional": true, "suspended": true, "refer": true,
}

// buildDecision derives the run's decision from the terminal stage output.
// Missing fields fall back to a referral that requires human review.
func buildDecision(res domain.StageResult, decidedAt string) domain.Decision {
	data := res.StructuredData
	label := strings.ToLower(strings.TrimSpace(stringField(data, "decision")))
	if label == "" {
		label = strings.ToLower(strings.TrimSpace(res.Recommendation))
	}
	if !decisionLabels[label] {
		label = defaultDecision
	}

	review := true
	if v, ok := data["requires_human_review"].(bool); ok {
		review = v
	}
	if label == defaultDecision {
		review = true
	}

	conditions := res.Conditions
	if len(conditions) == 0 {
		conditions = stringList(data["conditions"])
	}

	return domain.Decision{
		Decision:            label,
		RiskScore:           riskScore(data["risk_score"]),
		Confidence:          res.ConfidenceScore,
		DecisionMemo:        res.AnalysisText,
		ExecutiveSummary:    stringField(data, "executive_summary"),
		Conditions:          conditions,
		RiskFactors:         res.RiskFactors,
		RequiresHumanReview: review,
		DecidedAt:           decidedAt,
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// riskScore accepts JSON numbers and numeric Go types, clamped to 0..100.
// Unknown scores are treated as maximal risk.
func riskScore(v any) int {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 100
	}
	if math.IsNaN(f) {
		return 100
	}
	return int(math.Round(math.Max(0, math.Min(100, f))))
}
