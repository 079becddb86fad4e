package template

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorCompiler compiles template expressions with the Risor scripting
// engine. Engine-level globals are available to every expression; per-render
// globals are merged on top.
type RisorCompiler struct {
	globals map[string]any
}

// NewRisorCompiler creates a compiler with the given engine-level globals.
func NewRisorCompiler(globals map[string]any) *RisorCompiler {
	return &RisorCompiler{globals: globals}
}

func (c *RisorCompiler) Compile(ctx context.Context, source string) (Expr, error) {
	ast, err := parser.Parse(ctx, source)
	if err != nil {
		return nil, err
	}

	var names []string
	for name := range c.globals {
		names = append(names, name)
	}
	sort.Strings(names)

	code, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &risorExpr{compiler: c, code: code}, nil
}

type risorExpr struct {
	compiler *RisorCompiler
	code     *compiler.Code
}

func (e *risorExpr) Evaluate(ctx context.Context, globals map[string]any) (Result, error) {
	combined := make(map[string]any, len(e.compiler.globals)+len(globals))
	for name, value := range e.compiler.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	obj, err := risor.EvalCode(ctx, e.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return &risorResult{obj: obj}, nil
}

type risorResult struct {
	obj object.Object
}

func (r *risorResult) Value() any {
	switch o := r.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.List:
		var result []any
		for _, item := range o.Value() {
			result = append(result, (&risorResult{obj: item}).Value())
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = (&risorResult{obj: value}).Value()
		}
		return result
	default:
		return o.Inspect()
	}
}

func (r *risorResult) IsTruthy() bool {
	switch o := r.obj.(type) {
	case *object.String:
		value := o.Value()
		return value != "" && strings.ToLower(value) != "false"
	default:
		return o.IsTruthy()
	}
}

func (r *risorResult) String() string {
	switch o := r.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return fmt.Sprintf("%d", o.Value())
	case *object.Float:
		return fmt.Sprintf("%g", o.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case fmt.Stringer:
		return o.String()
	default:
		return fmt.Sprintf("%v", r.obj)
	}
}

// DefaultGlobals returns the standard global set for pipeline templates:
// the Risor builtin functions plus empty artifact and param maps so
// expressions referencing them compile even when a render omits them.
func DefaultGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		globals[name] = value
	}
	globals["artifacts"] = object.NewMap(map[string]object.Object{})
	globals["params"] = object.NewMap(map[string]object.Object{})
	return globals
}
