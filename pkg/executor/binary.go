package executor

import (
	"strings"

	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/types"
)

// compareValues orders two non-null values of compatible type, numerically
// promoting Integer/Float as needed. Used by comparison operators, ORDER
// BY, and BETWEEN.
func compareValues(a, b types.Value) int {
	if isNumeric(a) && isNumeric(b) {
		af, bf := numericOf(a), numericOf(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return a.Key().Compare(b.Key())
}

func isNumeric(v types.Value) bool {
	return !v.IsNull() && (v.Type() == types.Integer || v.Type() == types.Float)
}

func numericOf(v types.Value) float64 {
	if v.Type() == types.Integer {
		return float64(v.Int())
	}
	return v.Float64()
}

func evalBinary(e *ast.BinaryExpr, env *rowEnv, resolveFn func(string, []types.Value) (types.Value, error)) (types.Value, error) {
	op := strings.ToUpper(e.Op)

	// AND/OR short-circuit and have their own three-valued-logic handling,
	// so evaluate the left side before deciding whether to evaluate the
	// right.
	if op == "AND" || op == "OR" {
		left, err := eval(e.Left, env, resolveFn)
		if err != nil {
			return types.Value{}, err
		}
		if op == "AND" && !left.IsNull() && !truthy(left) {
			return types.NewBoolean(false), nil
		}
		if op == "OR" && !left.IsNull() && truthy(left) {
			return types.NewBoolean(true), nil
		}
		right, err := eval(e.Right, env, resolveFn)
		if err != nil {
			return types.Value{}, err
		}
		if left.IsNull() || right.IsNull() {
			return types.NewNull(types.Boolean), nil
		}
		if op == "AND" {
			return types.NewBoolean(truthy(left) && truthy(right)), nil
		}
		return types.NewBoolean(truthy(left) || truthy(right)), nil
	}

	left, err := eval(e.Left, env, resolveFn)
	if err != nil {
		return types.Value{}, err
	}
	right, err := eval(e.Right, env, resolveFn)
	if err != nil {
		return types.Value{}, err
	}

	switch op {
	case "=", "<>", "<", "<=", ">", ">=":
		if left.IsNull() || right.IsNull() {
			return types.NewNull(types.Boolean), nil
		}
		cmp := compareValues(left, right)
		switch op {
		case "=":
			return types.NewBoolean(left.Equal(right)), nil
		case "<>":
			return types.NewBoolean(!left.Equal(right)), nil
		case "<":
			return types.NewBoolean(cmp < 0), nil
		case "<=":
			return types.NewBoolean(cmp <= 0), nil
		case ">":
			return types.NewBoolean(cmp > 0), nil
		default:
			return types.NewBoolean(cmp >= 0), nil
		}
	case "LIKE":
		if left.IsNull() || right.IsNull() {
			return types.NewNull(types.Boolean), nil
		}
		return types.NewBoolean(matchLike(left.String(), right.String())), nil
	case "+", "-", "*", "/", "%":
		return evalArithmetic(op, left, right)
	default:
		return types.Value{}, &errors.ExpressionEvalError{Cause: "unknown binary operator " + e.Op}
	}
}

func evalArithmetic(op string, left, right types.Value) (types.Value, error) {
	if left.IsNull() || right.IsNull() {
		return types.NewNull(types.Float), nil
	}
	if left.Type() == types.Integer && right.Type() == types.Integer && op != "/" {
		l, r := left.Int(), right.Int()
		switch op {
		case "+":
			return types.NewInteger(l + r), nil
		case "-":
			return types.NewInteger(l - r), nil
		case "*":
			return types.NewInteger(l * r), nil
		case "%":
			if r == 0 {
				return types.Value{}, &errors.ExpressionEvalError{Cause: "division by zero"}
			}
			return types.NewInteger(l % r), nil
		}
	}
	l, r := numericOf(left), numericOf(right)
	switch op {
	case "+":
		return types.NewFloat(l + r), nil
	case "-":
		return types.NewFloat(l - r), nil
	case "*":
		return types.NewFloat(l * r), nil
	case "/":
		if r == 0 {
			return types.Value{}, &errors.ExpressionEvalError{Cause: "division by zero"}
		}
		return types.NewFloat(l / r), nil
	default:
		return types.Value{}, &errors.ExpressionEvalError{Cause: "unknown arithmetic operator " + op}
	}
}

// matchLike implements SQL LIKE with % and _ wildcards via a simple
// backtracking matcher (no regexp translation needed for two wildcard
// kinds).
func matchLike(s, pattern string) bool {
	return likeMatch([]rune(s), []rune(pattern))
}

func likeMatch(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		if likeMatch(s, p[1:]) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if likeMatch(s[i+1:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatch(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatch(s[1:], p[1:])
	}
}
