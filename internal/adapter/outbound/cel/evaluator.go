// Package cel provides CEL-based actor classification rules.
package cel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

const (
	maxConditionLength = 1024
	maxCostBudget      = 100_000

	// Classification runs on the request path, inside the engine's own
	// evaluation ceiling.
	matchTimeout       = 50 * time.Millisecond
	interruptCheckFreq = 100
)

// Evaluator compiles classification conditions against the classifier
// environment and matches requests with them.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates an evaluator over NewClassifierEnvironment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewClassifierEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile type-checks condition and returns its program. A condition must
// be non-empty, at most maxConditionLength bytes, and yield a bool.
func (e *Evaluator) Compile(condition string) (cel.Program, error) {
	if strings.TrimSpace(condition) == "" {
		return nil, errors.New("condition is empty")
	}
	if len(condition) > maxConditionLength {
		return nil, fmt.Errorf("condition too long: %d characters (max %d)", len(condition), maxConditionLength)
	}

	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid condition: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition must yield bool, got %s", out)
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// CheckCondition reports why condition cannot be used as a rule, if at all.
func (e *Evaluator) CheckCondition(condition string) error {
	_, err := e.Compile(condition)
	return err
}

// Match reports whether prg holds for req.
func (e *Evaluator) Match(ctx context.Context, prg cel.Program, req ratelimit.Request) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, matchTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, BuildActivation(req))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition yielded %T, not bool", result.Value())
	}
	return matched, nil
}
