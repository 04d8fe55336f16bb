package rules

import (
	"fmt"

	"github.com/songzhibin97/perf-pipeline/types"
)

// DefaultGate passes when no script failed validation.
const DefaultGate = "failed == 0"

// Gate decides whether a validation tally is good enough to ship.
type Gate struct {
	expression string
	evaluator  Evaluator
}

// NewGate compiles expression up front so a bad gate is reported at startup.
// An empty expression means DefaultGate.
func NewGate(expression string) (*Gate, error) {
	if expression == "" {
		expression = DefaultGate
	}
	evaluator := NewExprEvaluator()
	if err := evaluator.Compile(expression, gateEnv(types.ValidationSummary{})); err != nil {
		return nil, fmt.Errorf("compile quality gate %q: %w", expression, err)
	}
	return &Gate{expression: expression, evaluator: evaluator}, nil
}

// Expression returns the gate source.
func (g *Gate) Expression() string {
	return g.expression
}

// Check evaluates the gate over a summary.
func (g *Gate) Check(summary types.ValidationSummary) (bool, error) {
	return g.evaluator.Evaluate(g.expression, gateEnv(summary))
}

func gateEnv(s types.ValidationSummary) map[string]interface{} {
	return map[string]interface{}{
		"passed":  s.Passed,
		"warning": s.Warning,
		"failed":  s.Failed,
		"total":   s.Total(),
	}
}
