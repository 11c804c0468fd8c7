package celengine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine compiles boolean CEL expressions against a fixed set of declared
// variables and caches the compiled programs by expression.
type Engine struct {
	env      *cel.Env
	programs sync.Map
}

// Vars declares the expression variables, e.g. {"cart_total": cel.DoubleType}.
type Vars map[string]*cel.Type

func New(vars Vars) (*Engine, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]cel.EnvOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, cel.Variable(name, vars[name]))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, err
	}
	return &Engine{env: env}, nil
}

// TypeOf maps a Go value to the CEL type used to declare it.
func TypeOf(v any) *cel.Type {
	switch v.(type) {
	case string:
		return cel.StringType
	case int, int32, int64:
		return cel.IntType
	case float32, float64:
		return cel.DoubleType
	case bool:
		return cel.BoolType
	case []any:
		return cel.ListType(cel.DynType)
	case map[string]any:
		return cel.MapType(cel.StringType, cel.DynType)
	default:
		return cel.DynType
	}
}

func (e *Engine) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if v, ok := e.programs.Load(expr); ok {
		return v.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.programs.Store(expr, prg)
	return prg, nil
}

// Validate compiles expr without evaluating it.
func (e *Engine) Validate(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Engine) Evaluate(expr string, attrs map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}
	return b, nil
}
