package gates

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator compiles and evaluates CEL boolean expressions against
// run-scoped state. Used for step conditions and custom loop gates.
// Compiled programs are cached per expression. Evaluation errors are the
// caller's signal to fail closed.
type ConditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEvaluator creates an evaluator with the run-state environment:
// `state` (output key → value), `iteration` (current loop iteration), and
// `outputs` (outputs of the just-finished iteration).
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("outputs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("iteration", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("condition evaluator: %w", err)
	}
	return &ConditionEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Eval evaluates expr against the given input. A non-boolean result is an
// error; callers must treat any error as a denial.
func (e *ConditionEvaluator) Eval(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	if input == nil {
		input = map[string]any{}
	}
	if _, ok := input["state"]; !ok {
		input["state"] = map[string]any{}
	}
	if _, ok := input["outputs"]; !ok {
		input["outputs"] = map[string]any{}
	}
	if _, ok := input["iteration"]; !ok {
		input["iteration"] = 0
	}

	val, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("condition %q: evaluation failed: %w", expr, err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q: result is %T, want bool", expr, val.Value())
	}
	return b, nil
}

// Check validates that expr compiles to a boolean expression, without
// evaluating it. The compiler uses this to surface bad conditions early.
func (e *ConditionEvaluator) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("condition %q: compile failed: %w", expr, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition %q: program build failed: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}
