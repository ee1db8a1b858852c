// Package analyst implements the pipeline's stage handlers on top of an
// external text completion service.
package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"underwriter/internal/domain"
	"underwriter/internal/registry"
	"underwriter/internal/stage"
)

// PolicySource returns policy snippets relevant to a query, best first.
type PolicySource interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// Role describes what one analyst looks at.
type Role struct {
	ID       string
	Title    string
	Focus    string
	Category string
	// Reviews lists the short names of prior stages this role must see.
	Reviews []string
}

// DefaultRoles is the standard underwriting sequence.
var DefaultRoles = []Role{
	{ID: "credit_analyst", Title: "credit analyst", Category: "credit",
		Focus: "credit score, payment history, utilization and derogatory events"},
	{ID: "income_analyst", Title: "income analyst", Category: "income",
		Focus: "employment stability, income verification and debt-to-income ratio"},
	{ID: "asset_analyst", Title: "asset analyst", Category: "asset",
		Focus: "liquid reserves, down payment sourcing and large deposits"},
	{ID: "collateral_analyst", Title: "collateral analyst", Category: "collateral",
		Focus: "property value, loan-to-value ratio and appraisal quality"},
	{ID: "critic_agent", Title: "critic", Category: "compliance",
		Focus: "consistency between the prior analyses, missed risks and compliance gaps",
		Reviews: []string{"credit", "income", "asset", "collateral"}},
	{ID: "decision_agent", Title: "decision maker", Category: "compliance",
		Focus: "a final decision with risk score, conditions and a decision memo",
		Reviews: []string{"credit", "income", "asset", "collateral", "critic"}},
}

const policyLimit = 3

// Analyst is a stage.Handler that prompts a Completer and parses its JSON
// answer into a StageResult.
type Analyst struct {
	Role      Role
	Completer Completer
	Policies  PolicySource
	Now       func() time.Time
}

func (a *Analyst) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Analyst) Run(ctx context.Context, in stage.Input) (domain.StageResult, error) {
	if a.Completer == nil {
		return domain.StageResult{}, ErrNoCompleter
	}
	start := a.now()
	prompt, err := a.prompt(ctx, in)
	if err != nil {
		return domain.StageResult{}, err
	}
	out, err := a.Completer.Complete(ctx, prompt)
	if err != nil {
		return domain.StageResult{}, fmt.Errorf("%s: %w", a.Role.ID, err)
	}
	res, err := parseResult(out.Text, a.Role)
	if err != nil {
		return domain.StageResult{}, fmt.Errorf("%s: %w", a.Role.ID, err)
	}
	end := a.now()
	res.Stage = in.Stage
	res.TokensUsed = out.TokensUsed
	res.ProcessingTimeMS = end.Sub(start).Milliseconds()
	res.CompletedAt = end.UTC().Format(time.RFC3339)
	return res, nil
}

func (a *Analyst) prompt(ctx context.Context, in stage.Input) (Prompt, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Case %s.\n\nApplication data:\n", in.CaseRef)
	data, err := json.MarshalIndent(in.Data, "", "  ")
	if err != nil {
		return Prompt{}, fmt.Errorf("encode input data: %w", err)
	}
	b.Write(data)
	b.WriteString("\n")

	names := a.Role.Reviews
	if len(names) == 0 {
		for k := range in.Prior {
			names = append(names, k)
		}
		sort.Strings(names)
	}
	for _, name := range names {
		prior, ok := in.Prior[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n%s analysis (recommendation %q, confidence %.2f):\n%s\n",
			name, prior.Recommendation, prior.ConfidenceScore, prior.AnalysisText)
	}

	if a.Policies != nil {
		snippets, err := a.Policies.Search(ctx, a.Role.Focus, policyLimit)
		if err != nil {
			return Prompt{}, fmt.Errorf("policy lookup: %w", err)
		}
		if len(snippets) > 0 {
			b.WriteString("\nRelevant policy:\n")
			for _, s := range snippets {
				fmt.Fprintf(&b, "- %s\n", s)
			}
		}
	}

	system := fmt.Sprintf("You are the %s on a mortgage underwriting team. Assess %s. "+
		"Answer with one JSON object with keys analysis, recommendation, confidence_score (0-1), "+
		"risk_factors (list of {category, severity, description, mitigation}), conditions (list of strings) "+
		"and any further findings under structured_data.", a.Role.Title, a.Role.Focus)
	if a.Role.ID == "decision_agent" {
		system += " structured_data must include decision (approved, denied, conditional, suspended or refer), " +
			"risk_score (0-100), executive_summary and requires_human_review."
	}
	return Prompt{System: system, User: b.String()}, nil
}

type rawResult struct {
	Analysis        string              `json:"analysis"`
	Recommendation  string              `json:"recommendation"`
	ConfidenceScore float64             `json:"confidence_score"`
	RiskFactors     []domain.RiskFactor `json:"risk_factors"`
	Conditions      []string            `json:"conditions"`
	StructuredData  map[string]any      `json:"structured_data"`
}

var errNoJSON = errors.New("completion contained no JSON object")

// parseResult extracts the outermost JSON object from text. Plain text with
// no object is an error so a malformed answer fails the stage.
func parseResult(text string, role Role) (domain.StageResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return domain.StageResult{}, errNoJSON
	}
	var raw rawResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return domain.StageResult{}, fmt.Errorf("decode completion JSON: %w", err)
	}
	for i := range raw.RiskFactors {
		if raw.RiskFactors[i].Category == "" {
			raw.RiskFactors[i].Category = role.Category
		}
		raw.RiskFactors[i].IdentifiedBy = role.ID
	}
	return domain.StageResult{
		AnalysisText:    raw.Analysis,
		StructuredData:  raw.StructuredData,
		Recommendation:  raw.Recommendation,
		RiskFactors:     raw.RiskFactors,
		Conditions:      raw.Conditions,
		ConfidenceScore: clamp01(raw.ConfidenceScore),
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Register installs a factory for every role into reg.
func Register(reg *registry.Registry, completer Completer, policies PolicySource, roles ...Role) {
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	for _, role := range roles {
		role := role
		reg.Register(role.ID, func() stage.Handler {
			return &Analyst{Role: role, Completer: completer, Policies: policies}
		})
	}
}
