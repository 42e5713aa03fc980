// Package policy implements the optional Rego bypass rule evaluated by the
// request gate after the static bypass rules.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-policy-agent/opa/rego"
)

// Query is the rule a bypass policy must define.
const Query = "data.sitelock.gate.bypass"

// Decision represents the outcome of a policy evaluation
type Decision int

const (
	Enforce Decision = iota
	Bypass
)

func (d Decision) String() string {
	switch d {
	case Enforce:
		return "enforce"
	case Bypass:
		return "bypass"
	default:
		return "unknown"
	}
}

// Input is the request view handed to the policy as input.request.
type Input struct {
	Path       string
	Host       string
	ClientIP   string
	Route      string
	Query      map[string]string
	Cookies    map[string]string
	Attributes map[string]string
	Roles      []string
}

// Engine evaluates the bypass rule using OPA
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine from a Rego policy string
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module("bypass.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego query: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadPolicy loads a policy from the specified path (rego file). Relative
// paths are resolved against dir.
func LoadPolicy(ctx context.Context, dir, path string) (*Engine, error) {
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate runs the policy. Undefined or non-boolean results enforce the
// lock.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	input := map[string]interface{}{
		"request": map[string]interface{}{
			"path":       in.Path,
			"host":       in.Host,
			"client_ip":  in.ClientIP,
			"route":      in.Route,
			"query":      stringMap(in.Query),
			"cookies":    stringMap(in.Cookies),
			"attributes": stringMap(in.Attributes),
			"roles":      stringSlice(in.Roles),
		},
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Enforce, err
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Enforce, nil
	}

	bypass, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return Enforce, fmt.Errorf("policy returned non-boolean bypass")
	}
	if bypass {
		return Bypass, nil
	}
	return Enforce, nil
}

func stringMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringSlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
