package template

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplateRender(t *testing.T) {
	compiler := NewRisorCompiler(DefaultGlobals())
	ctx := context.Background()

	t.Run("plain string", func(t *testing.T) {
		tmpl, err := New(compiler, "no expressions here")
		require.NoError(t, err)
		out, err := tmpl.Render(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, "no expressions here", out)
	})

	t.Run("single expression", func(t *testing.T) {
		out, err := Render(ctx, compiler, "review ${artifacts.plan} carefully", map[string]any{
			"artifacts": map[string]any{"plan": "/tmp/plan.md"},
		})
		require.NoError(t, err)
		require.Equal(t, "review /tmp/plan.md carefully", out)
	})

	t.Run("multiple expressions", func(t *testing.T) {
		out, err := Render(ctx, compiler, "${params.greeting}, ${params.name}!", map[string]any{
			"params": map[string]any{"greeting": "hello", "name": "world"},
		})
		require.NoError(t, err)
		require.Equal(t, "hello, world!", out)
	})

	t.Run("numeric result", func(t *testing.T) {
		out, err := Render(ctx, compiler, "total: ${1 + 2}", nil)
		require.NoError(t, err)
		require.Equal(t, "total: 3", out)
	})

	t.Run("adjacent expressions", func(t *testing.T) {
		out, err := Render(ctx, compiler, "${params.a}${params.b}", map[string]any{
			"params": map[string]any{"a": "x", "b": "y"},
		})
		require.NoError(t, err)
		require.Equal(t, "xy", out)
	})

	t.Run("unclosed expression", func(t *testing.T) {
		_, err := New(compiler, "broken ${expr")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unclosed")
	})

	t.Run("compile error", func(t *testing.T) {
		_, err := New(compiler, "bad ${1 +}")
		require.Error(t, err)
	})

	t.Run("evaluation error", func(t *testing.T) {
		tmpl, err := New(compiler, "value: ${params.missing.deep}")
		require.NoError(t, err)
		_, err = tmpl.Render(ctx, map[string]any{"params": map[string]any{}})
		require.Error(t, err)
	})
}

func TestContainsExpr(t *testing.T) {
	require.True(t, ContainsExpr("a ${b} c"))
	require.False(t, ContainsExpr("plain"))
	require.False(t, ContainsExpr("${}"))
}

func TestRisorResultString(t *testing.T) {
	compiler := NewRisorCompiler(DefaultGlobals())
	ctx := context.Background()

	cases := map[string]string{
		"${'text'}":  "text",
		"${42}":      "42",
		"${1.5}":     "1.5",
		"${true}":    "true",
		"${3 > 2}":   "true",
		"${'a'+'b'}": "ab",
	}
	for source, expected := range cases {
		out, err := Render(ctx, compiler, source, nil)
		require.NoError(t, err, source)
		require.Equal(t, expected, out, source)
	}
}
