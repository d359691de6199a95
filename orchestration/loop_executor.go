package orchestration

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

const defaultMaxIterations = 10

// Loop exit reasons.
const (
	exitConditionMet  = "condition_met"
	exitMaxIterations = "max_iterations"
)

// LoopExecutor runs a body node repeatedly, feeding each output into the
// next iteration, until the exit condition holds or the iteration cap is
// reached.
type LoopExecutor struct {
	logger core.Logger
}

// NewLoopExecutor builds the loop executor.
func NewLoopExecutor(logger core.Logger) *LoopExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LoopExecutor{logger: logger}
}

func (e *LoopExecutor) Kind() storage.NodeKind { return storage.NodeLoop }

func (e *LoopExecutor) Execute(ctx context.Context, node *storage.Node, input interface{}, ec *ExecContext) (interface{}, error) {
	if ec.RunNode == nil {
		return nil, core.NewError(core.KindExecutionFailed, "loop node requires a driving execution")
	}
	bodyID := stringField(node.Data, "bodyNodeId")
	if bodyID == "" {
		return nil, core.NewValidationError("loop node has no body",
			core.FieldIssue{Field: "bodyNodeId", Message: "a body node is required"})
	}
	condition, err := compileCondition(mapField(node.Data, "condition"))
	if err != nil {
		return nil, err
	}
	maxIterations := defaultMaxIterations
	if n, ok := intField(node.Data, "maxIterations"); ok && n > 0 {
		maxIterations = n
	}

	current := input
	iterations := make([]interface{}, 0, maxIterations)
	exitReason := exitMaxIterations
	total := 0
	for i := 1; i <= maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelledError(err)
		}
		out, err := ec.RunNode(ctx, bodyID, current)
		if err != nil {
			return nil, err
		}
		iterations = append(iterations, out)
		current = out
		total = i

		met, err := condition.eval(out, i)
		if err != nil {
			return nil, err
		}
		if met {
			exitReason = exitConditionMet
			break
		}
	}

	e.logger.Debug("Loop finished", map[string]interface{}{
		"operation":   "loop_exit",
		"node_id":     node.ID,
		"iterations":  total,
		"exit_reason": exitReason,
	})
	return map[string]interface{}{
		"finalOutput":     current,
		"iterations":      iterations,
		"totalIterations": total,
		"exitReason":      exitReason,
	}, nil
}

// loopCondition evaluates one exit check per iteration.
type loopCondition struct {
	eval func(data interface{}, iteration int) (bool, error)
}

func compileCondition(raw map[string]interface{}) (*loopCondition, error) {
	if raw == nil {
		// No condition: the loop runs to its iteration cap.
		return &loopCondition{eval: func(interface{}, int) (bool, error) { return false, nil }}, nil
	}
	kind, _ := raw["type"].(string)
	switch kind {
	case "field":
		return compileFieldCondition(raw)
	case "expression":
		return compileExpressionCondition(raw)
	default:
		return nil, core.NewValidationError(fmt.Sprintf("unknown loop condition type %q", kind),
			core.FieldIssue{Field: "condition.type", Message: "must be field or expression"})
	}
}

func compileFieldCondition(raw map[string]interface{}) (*loopCondition, error) {
	field, _ := raw["field"].(string)
	operator, _ := raw["operator"].(string)
	expected := raw["value"]
	if field == "" {
		return nil, core.NewValidationError("field condition has no field",
			core.FieldIssue{Field: "condition.field", Message: "field is required"})
	}
	switch operator {
	case "eq", "neq", "gt", "lt", "gte", "lte":
	default:
		return nil, core.NewValidationError(fmt.Sprintf("unknown condition operator %q", operator),
			core.FieldIssue{Field: "condition.operator", Message: "must be eq, neq, gt, lt, gte, or lte"})
	}
	return &loopCondition{eval: func(data interface{}, iteration int) (bool, error) {
		actual, ok := core.GetNestedValue(data, field)
		if !ok {
			// A missing field never satisfies the condition, except for neq.
			return operator == "neq", nil
		}
		return compareCondition(actual, operator, expected), nil
	}}, nil
}

func compareCondition(actual interface{}, operator string, expected interface{}) bool {
	switch operator {
	case "eq":
		return looseEquals(actual, expected)
	case "neq":
		return !looseEquals(actual, expected)
	}
	a, aok := core.ToFloat(actual)
	b, bok := core.ToFloat(expected)
	if !aok || !bok {
		return false
	}
	switch operator {
	case "gt":
		return a > b
	case "lt":
		return a < b
	case "gte":
		return a >= b
	case "lte":
		return a <= b
	}
	return false
}

func looseEquals(a, b interface{}) bool {
	if af, aok := core.ToFloat(a); aok {
		if bf, bok := core.ToFloat(b); bok {
			return af == bf
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	return reflect.DeepEqual(a, b)
}

// compileExpressionCondition builds a restricted boolean expression over
// {data, iteration}. Function calls and closures are rejected up front;
// freeform evaluation is never allowed.
func compileExpressionCondition(raw map[string]interface{}) (*loopCondition, error) {
	source, _ := raw["expression"].(string)
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, core.NewValidationError("expression condition is empty",
			core.FieldIssue{Field: "condition.expression", Message: "expression is required"})
	}

	tree, err := parser.Parse(source)
	if err != nil {
		return nil, core.WrapError(core.KindValidationFailed, "parsing loop condition", err)
	}
	guard := &exprGuard{}
	ast.Walk(&tree.Node, guard)
	if guard.err != nil {
		return nil, guard.err
	}

	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, core.WrapError(core.KindValidationFailed, "compiling loop condition", err)
	}

	return &loopCondition{eval: func(data interface{}, iteration int) (bool, error) {
		out, err := expr.Run(program, map[string]interface{}{
			"data":      data,
			"iteration": iteration,
		})
		if err != nil {
			return false, core.WrapError(core.KindExecutionFailed, "evaluating loop condition", err)
		}
		met, ok := out.(bool)
		if !ok {
			return false, core.NewError(core.KindInvalidOutput, "loop condition did not evaluate to a boolean")
		}
		return met, nil
	}}, nil
}

// exprGuard rejects AST shapes outside the allowed comparison and logic
// subset.
type exprGuard struct {
	err error
}

func (g *exprGuard) Visit(node *ast.Node) {
	if g.err != nil {
		return
	}
	switch (*node).(type) {
	case *ast.CallNode, *ast.BuiltinNode, *ast.PredicateNode, *ast.PointerNode:
		g.err = core.NewValidationError("loop condition may not contain function calls",
			core.FieldIssue{Field: "condition.expression", Message: "only comparison and logical operators are allowed"})
	}
}
