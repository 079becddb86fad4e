// Package template renders strings containing ${...} expressions against a
// set of named globals. Step parameters and prompts use it to reference run
// context (artifacts, parameters) without hardcoding values into pipeline
// definitions.
package template

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Result is the value produced by evaluating one expression.
type Result interface {
	// Value returns the underlying Go value.
	Value() any

	// String returns the rendered string form.
	String() string

	// IsTruthy reports whether the value is truthy.
	IsTruthy() bool
}

// Expr is a compiled expression ready to evaluate.
type Expr interface {
	Evaluate(ctx context.Context, globals map[string]any) (Result, error)
}

// Compiler compiles expression source into an Expr.
type Compiler interface {
	Compile(ctx context.Context, source string) (Expr, error)
}

var exprPattern = regexp.MustCompile(`\${([^}]+)}`)

// ContainsExpr reports whether the string holds at least one ${...}
// expression.
func ContainsExpr(s string) bool {
	return exprPattern.MatchString(s)
}

// Template is a string with its embedded ${...} expressions pre-compiled.
type Template struct {
	raw   string
	parts []string
	exprs []Expr
}

// New compiles every ${...} expression in raw using the given compiler.
// A string without expressions compiles to a template that renders itself.
func New(compiler Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed expression in template %q", raw)
	}

	matches := exprPattern.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return &Template{raw: raw}, nil
	}

	var lastEnd int
	var parts []string
	var exprs []Expr
	for _, match := range matches {
		if match[0] > lastEnd {
			parts = append(parts, raw[lastEnd:match[0]])
		}
		source := raw[match[2]:match[3]]
		expr, err := compiler.Compile(context.Background(), source)
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression %q: %w", source, err)
		}
		exprs = append(exprs, expr)
		parts = append(parts, "") // placeholder, filled at render time
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		parts = append(parts, raw[lastEnd:])
	}

	return &Template{raw: raw, parts: parts, exprs: exprs}, nil
}

// Render evaluates every expression against the globals and splices the
// results back into the surrounding text.
func (t *Template) Render(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.exprs) == 0 {
		return t.raw, nil
	}

	parts := make([]string, len(t.parts))
	copy(parts, t.parts)

	next := 0
	for _, expr := range t.exprs {
		result, err := expr.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		for next < len(parts) && parts[next] != "" {
			next++
		}
		if next < len(parts) {
			parts[next] = result.String()
			next++
		}
	}
	return strings.Join(parts, ""), nil
}

// Render is a convenience for one-shot compilation and rendering.
func Render(ctx context.Context, compiler Compiler, raw string, globals map[string]any) (string, error) {
	t, err := New(compiler, raw)
	if err != nil {
		return "", err
	}
	return t.Render(ctx, globals)
}
