// Package policy decides, before any upstream call, whether a caller may run a
// query against a tenant's table. Rules are Rego modules in package
// querygate; the guard reads the package document and looks at its allow
// and reasons rules.
package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"querygate/pkg/problems"
)

type DecisionStatus string

const (
	Allow   DecisionStatus = "ALLOW"
	Blocked DecisionStatus = "BLOCKED"
)

// Input is what a policy sees as input.
type Input struct {
	Tenant   string   `json:"tenant"`
	Table    string   `json:"table"`
	Protocol string   `json:"protocol"`
	Action   string   `json:"action"`
	Fields   []string `json:"fields"`
	Subject  string   `json:"subject,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

type Decision struct {
	Status  DecisionStatus `json:"status"`
	Reasons []string       `json:"reasons,omitempty"`
}

func (d Decision) Allowed() bool { return d.Status == Allow }

// Guard evaluates a prepared Rego query. A nil *Guard allows everything.
type Guard struct {
	query rego.PreparedEvalQuery
	log   *zap.SugaredLogger
}

// Load reads the policy module at path. An empty path returns a nil guard.
func Load(ctx context.Context, path string, log *zap.SugaredLogger) (*Guard, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return New(ctx, string(b), log)
}

// New compiles module.
func New(ctx context.Context, module string, log *zap.SugaredLogger) (*Guard, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	q, err := rego.New(
		rego.Query("data.querygate"),
		rego.Module("querygate.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return &Guard{query: q, log: log}, nil
}

// Evaluate runs the policy. Evaluation errors and an undefined allow rule both
// block.
func (g *Guard) Evaluate(ctx context.Context, in Input) Decision {
	if g == nil {
		return Decision{Status: Allow}
	}
	rs, err := g.query.Eval(ctx, rego.EvalInput(in))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		g.log.Warnw("policy evaluation failed", "tenant", in.Tenant, "table", in.Table, "err", err)
		return Decision{Status: Blocked, Reasons: []string{"policy_error"}}
	}
	doc, _ := rs[0].Expressions[0].Value.(map[string]any)
	dec := Decision{Status: Blocked, Reasons: stringsOf(doc["reasons"])}
	if allow, _ := doc["allow"].(bool); allow {
		dec.Status = Allow
	}
	return dec
}

// Check is Evaluate as an error: nil when allowed, KindForbidden otherwise.
func (g *Guard) Check(ctx context.Context, in Input) error {
	dec := g.Evaluate(ctx, in)
	if dec.Allowed() {
		return nil
	}
	msg := "query denied by policy"
	if len(dec.Reasons) > 0 {
		msg += ": " + strings.Join(dec.Reasons, "; ")
	}
	return problems.New(problems.KindForbidden, "policy.check", msg)
}

func stringsOf(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		if s, ok := v.(string); ok && s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, x := range arr {
		out = append(out, fmt.Sprint(x))
	}
	sort.Strings(out)
	return out
}
