// Package gate implements the restricted condition grammar used at pipeline
// decision points. A condition is a single comparison of a dotted field path
// against a literal:
//
//	overall_score >= 70
//	review.verdict == "approve"
//	tests.passed == true
//
// Supported operators are ==, !=, >=, <=, > and <. Literals may be numbers,
// booleans, or single/double-quoted strings. Nothing else is accepted; in
// particular there is no function call, arithmetic, or boolean combinator
// syntax, so evaluating a condition can never execute code.
package gate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpGe Op = ">="
	OpLe Op = "<="
	OpGt Op = ">"
	OpLt Op = "<"
)

func (o Op) ordered() bool {
	switch o {
	case OpGe, OpLe, OpGt, OpLt:
		return true
	}
	return false
}

// Condition is a parsed comparison. Evaluation is a pure function of the
// condition and the scoring data: identical inputs always produce identical
// outcomes.
type Condition struct {
	raw     string
	Path    []string
	Op      Op
	Literal any // float64, bool, or string
}

// String returns the original condition text.
func (c *Condition) String() string {
	return c.raw
}

// Parse parses a condition string. Malformed input is rejected with a
// descriptive error; it is never coerced into a pass or fail outcome.
func Parse(input string) (*Condition, error) {
	p := &parser{input: input}
	p.skipSpace()

	path, err := p.readPath()
	if err != nil {
		return nil, err
	}
	p.skipSpace()

	op, err := p.readOp()
	if err != nil {
		return nil, err
	}
	p.skipSpace()

	literal, err := p.readLiteral()
	if err != nil {
		return nil, err
	}
	p.skipSpace()

	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unexpected trailing input at offset %d in %q", p.pos, input)
	}
	if op.ordered() {
		if _, isBool := literal.(bool); isBool {
			return nil, fmt.Errorf("operator %s cannot be applied to a boolean literal", op)
		}
	}
	return &Condition{raw: input, Path: path, Op: op, Literal: literal}, nil
}

// Evaluate resolves the condition's field path in scoring and applies the
// comparison. A missing field or a type mismatch is an error, never a
// silent false.
func (c *Condition) Evaluate(scoring map[string]any) (bool, error) {
	value, err := resolvePath(scoring, c.Path)
	if err != nil {
		return false, err
	}
	return compare(value, c.Op, c.Literal)
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func identRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

func (p *parser) readPath() ([]string, error) {
	start := p.pos
	for p.pos < len(p.input) {
		r := rune(p.input[p.pos])
		if identRune(r) || r == '.' {
			p.pos++
			continue
		}
		break
	}
	raw := p.input[start:p.pos]
	if raw == "" {
		return nil, fmt.Errorf("expected field path at start of condition %q", p.input)
	}
	parts := strings.Split(raw, ".")
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("malformed field path %q", raw)
		}
	}
	return parts, nil
}

func (p *parser) readOp() (Op, error) {
	rest := p.input[p.pos:]
	for _, op := range []Op{OpEq, OpNe, OpGe, OpLe, OpGt, OpLt} {
		if strings.HasPrefix(rest, string(op)) {
			p.pos += len(op)
			return op, nil
		}
	}
	return "", fmt.Errorf("expected comparison operator at offset %d in %q", p.pos, p.input)
}

func (p *parser) readLiteral() (any, error) {
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("expected literal at end of condition %q", p.input)
	}
	switch ch := p.input[p.pos]; {
	case ch == '"' || ch == '\'':
		return p.readString(ch)
	default:
		return p.readBare()
	}
}

func (p *parser) readString(quote byte) (string, error) {
	end := strings.IndexByte(p.input[p.pos+1:], quote)
	if end < 0 {
		return "", fmt.Errorf("unterminated string literal in %q", p.input)
	}
	value := p.input[p.pos+1 : p.pos+1+end]
	p.pos += end + 2
	return value, nil
}

func (p *parser) readBare() (any, error) {
	start := p.pos
	for p.pos < len(p.input) {
		r := rune(p.input[p.pos])
		if identRune(r) || r == '.' || r == '+' {
			p.pos++
			continue
		}
		break
	}
	raw := p.input[start:p.pos]
	switch raw {
	case "":
		return nil, fmt.Errorf("expected literal at offset %d in %q", start, p.input)
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid literal %q (expected number, bool, or quoted string)", raw)
	}
	return n, nil
}

func resolvePath(scoring map[string]any, path []string) (any, error) {
	var current any = scoring
	for i, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q is not an object", strings.Join(path[:i], "."))
		}
		current, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("scoring field %q not found", strings.Join(path[:i+1], "."))
		}
	}
	return current, nil
}

func compare(value any, op Op, literal any) (bool, error) {
	switch lit := literal.(type) {
	case float64:
		n, ok := toFloat(value)
		if !ok {
			return false, fmt.Errorf("cannot compare %T value against numeric literal", value)
		}
		return compareFloats(n, op, lit), nil
	case bool:
		b, ok := value.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare %T value against boolean literal", value)
		}
		if op == OpEq {
			return b == lit, nil
		}
		return b != lit, nil
	case string:
		s, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare %T value against string literal", value)
		}
		return compareStrings(s, op, lit), nil
	}
	return false, fmt.Errorf("unsupported literal type %T", literal)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	}
	return 0, false
}

func compareFloats(a float64, op Op, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpGe:
		return a >= b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpLt:
		return a < b
	}
	return false
}

func compareStrings(a string, op Op, b string) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpGe:
		return a >= b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpLt:
		return a < b
	}
	return false
}
