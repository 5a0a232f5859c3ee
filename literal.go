// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// ExprCodec is the literal-expression format: values are written as
// expr-lang literals ({"fn": "add", "args": [1, 2.5, nil]}) and read back by
// parsing, never by evaluation. Anything other than a literal is rejected.
type ExprCodec struct{}

func (ExprCodec) Name() string { return FormatExpr }
func (ExprCodec) MIME() string { return "text/x-expr" }

func (ExprCodec) Encode(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := writeLiteral(&b, n); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func (ExprCodec) Decode(data []byte) (any, error) {
	v, err := ParseLiteral(string(data))
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ParseLiteral parses one expr-lang literal into a canonical value.
func ParseLiteral(src string) (any, error) {
	if strings.TrimSpace(src) == "" {
		return nil, malformed("expr: empty input")
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, malformed("expr: %v", err)
	}
	return literalValue(tree.Node)
}

func writeLiteral(b *strings.Builder, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteString("nil")
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case int64:
		if x == math.MinInt64 {
			// the lexer has no token for 9223372036854775808
			b.WriteString("(-9223372036854775807 - 1)")
			return nil
		}
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		s, err := formatFloat(x)
		if err != nil {
			return err
		}
		b.WriteString(s)
	case string:
		b.WriteString(strconv.Quote(x))
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeLiteral(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(k))
			b.WriteString(": ")
			if err := writeLiteral(b, x[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

func literalValue(node ast.Node) (any, error) {
	switch n := node.(type) {
	case *ast.NilNode:
		return nil, nil
	case *ast.BoolNode:
		return n.Value, nil
	case *ast.IntegerNode:
		return int64(n.Value), nil
	case *ast.FloatNode:
		return n.Value, nil
	case *ast.StringNode:
		return n.Value, nil
	case *ast.ConstantNode:
		v, err := Normalize(n.Value)
		if err != nil {
			return nil, malformed("expr: %v", err)
		}
		return v, nil
	case *ast.ArrayNode:
		out := make([]any, len(n.Nodes))
		for i, e := range n.Nodes {
			v, err := literalValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *ast.MapNode:
		out := make(map[string]any, len(n.Pairs))
		for _, p := range n.Pairs {
			pair, ok := p.(*ast.PairNode)
			if !ok {
				return nil, malformed("expr: map entry %T", p)
			}
			var key string
			switch k := pair.Key.(type) {
			case *ast.StringNode:
				key = k.Value
			case *ast.IdentifierNode:
				key = k.Value
			default:
				return nil, malformed("expr: map key %T", pair.Key)
			}
			v, err := literalValue(pair.Value)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	case *ast.UnaryNode:
		v, err := literalValue(n.Node)
		if err != nil {
			return nil, err
		}
		switch n.Operator {
		case "+":
			if isNumber(v) {
				return v, nil
			}
		case "-":
			switch x := v.(type) {
			case int64:
				return -x, nil
			case float64:
				return -x, nil
			}
		}
		return nil, malformed("expr: operator %q on %T", n.Operator, v)
	case *ast.BinaryNode:
		// only integer +/- so that the MinInt64 spelling reads back
		l, err := literalValue(n.Left)
		if err != nil {
			return nil, err
		}
		r, err := literalValue(n.Right)
		if err != nil {
			return nil, err
		}
		li, lok := l.(int64)
		ri, rok := r.(int64)
		if lok && rok {
			switch n.Operator {
			case "+":
				return li + ri, nil
			case "-":
				return li - ri, nil
			}
		}
		return nil, malformed("expr: operator %q is not a literal", n.Operator)
	}
	return nil, malformed("expr: %T is not a literal", node)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}
