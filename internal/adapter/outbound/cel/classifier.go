package cel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// Rule assigns Class to requests matching Condition.
type Rule struct {
	Class     ratelimit.ActorClass
	Condition string
}

type compiledRule struct {
	class     ratelimit.ActorClass
	condition string
	program   cel.Program
}

// Classifier evaluates rules in order; the first matching rule decides the
// class. Requests matching no rule, or whose rules fail to evaluate, are
// classified by the fallback.
type Classifier struct {
	evaluator *Evaluator
	rules     []compiledRule
	fallback  ratelimit.Classifier
	logger    *slog.Logger
}

// NewClassifier validates and compiles rules. A nil fallback selects the
// default RoleClassifier.
func NewClassifier(rules []Rule, fallback ratelimit.Classifier, logger *slog.Logger) (*Classifier, error) {
	evaluator, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	if fallback == nil {
		fallback = ratelimit.NewRoleClassifier(ratelimit.DefaultAdminUsers, ratelimit.DefaultAdminRoles)
	}
	if logger == nil {
		logger = slog.Default()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if !r.Class.Valid() {
			return nil, fmt.Errorf("rule %d: %w: %q", i, ratelimit.ErrUnknownActorClass, r.Class)
		}
		prg, err := evaluator.Compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		compiled = append(compiled, compiledRule{class: r.Class, condition: r.Condition, program: prg})
	}

	return &Classifier{
		evaluator: evaluator,
		rules:     compiled,
		fallback:  fallback,
		logger:    logger,
	}, nil
}

// Classify implements ratelimit.Classifier.
func (c *Classifier) Classify(req ratelimit.Request) ratelimit.ActorClass {
	for _, r := range c.rules {
		matched, err := c.evaluator.Match(context.Background(), r.program, req)
		if err != nil {
			c.logger.Warn("classification rule failed",
				"condition", r.condition,
				"identifier", req.Identifier,
				"error", err,
			)
			continue
		}
		if matched {
			return r.class
		}
	}
	return c.fallback.Classify(req)
}

// Compile-time interface verification.
var _ ratelimit.Classifier = (*Classifier)(nil)
