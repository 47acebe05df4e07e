package expressions

import (
	"context"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Engine evaluates expressions against a run scope.
// Three implementations: CEL (conditions, default), Expr (conditions with the
// "expr:" prefix), GoJQ (map transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// exprPrefix selects the expr-lang engine for a condition expression.
const exprPrefix = "expr:"

// Evaluator routes condition and transform expressions to the right engine.
type Evaluator struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEvaluator creates an Evaluator with all three engines ready.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// EvalCondition evaluates a boolean condition expression against the scope.
// CEL is the default dialect; an "expr:" prefix selects expr-lang.
func (ev *Evaluator) EvalCondition(ctx context.Context, expression string, scope *Scope) (bool, error) {
	data := scope.Data()

	var (
		result any
		err    error
	)
	if rest, ok := strings.CutPrefix(expression, exprPrefix); ok {
		result, err = ev.expr.Evaluate(ctx, rest, data)
	} else {
		result, err = ev.cel.Evaluate(ctx, expression, data)
	}
	if err != nil {
		return false, err
	}

	b, ok := result.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q must evaluate to bool, got %T", expression, result)
	}
	return b, nil
}

// EvalTransform evaluates a jq transform over the node input. The scope is
// exposed as the jq input object with the node input under ".input".
func (ev *Evaluator) EvalTransform(ctx context.Context, expression string, input any, scope *Scope) (any, error) {
	data := scope.Data()
	data["input"] = input
	return ev.jq.Evaluate(ctx, expression, data)
}
