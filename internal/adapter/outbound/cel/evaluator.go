// Package cel evaluates rate limit exemption rules written in CEL.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// maxExpressionLength is the maximum allowed length for a rule.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation.
const evalTimeout = 100 * time.Millisecond

// interruptCheckFreq is how often (in comprehension iterations) cancellation is checked.
const interruptCheckFreq = 100

// NewExemptionEnvironment creates the CEL environment for exemption rules.
// Variables:
//   - subject: the user id or anonymous identifier
//   - action: the action name, e.g. "LOGIN"
//   - scope: "user" or "global"
func NewExemptionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		cel.Variable("subject", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("scope", cel.StringType),
	)
}

type rule struct {
	expr string
	prg  cel.Program
}

// ExemptionEvaluator reports whether a request bypasses rate limiting.
// It is immutable after construction and safe for concurrent use.
type ExemptionEvaluator struct {
	rules []rule
}

// NewExemptionEvaluator compiles every expression. Any invalid expression
// fails the whole set.
func NewExemptionEvaluator(expressions []string) (*ExemptionEvaluator, error) {
	env, err := NewExemptionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create exemption environment: %w", err)
	}

	e := &ExemptionEvaluator{}
	for i, expr := range expressions {
		prg, err := compile(env, expr)
		if err != nil {
			return nil, fmt.Errorf("exemption[%d]: %w", i, err)
		}
		e.rules = append(e.rules, rule{expr: expr, prg: prg})
	}
	return e, nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting rejects expressions nested deeper than maxNestingDepth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Len returns the number of rules.
func (e *ExemptionEvaluator) Len() int {
	return len(e.rules)
}

// Exempt returns the first matching rule expression, or "" when none match.
// Evaluation errors count as no match and are returned alongside.
func (e *ExemptionEvaluator) Exempt(ctx context.Context, scope ratelimit.Scope, subject string, action ratelimit.Action) (string, error) {
	if len(e.rules) == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	vars := map[string]any{
		"subject": subject,
		"action":  string(action),
		"scope":   string(scope),
	}
	var errs []error
	for _, r := range e.rules {
		out, _, err := r.prg.ContextEval(ctx, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", r.expr, err))
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			return r.expr, nil
		}
	}
	return "", errors.Join(errs...)
}
