package executor

import (
	"fmt"
	"strings"

	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
)

// boundColumn names one slot of a row as it flows through the select
// pipeline: its owning table alias (or bare table name when unaliased) and
// its column name.
type boundColumn struct {
	Table string
	Name  string
}

// rowEnv is the evaluation context for one (possibly join-widened) row:
// the ordered column bindings, the row's values in the same order, and the
// statement's bound parameters ($1.. / ?).
type rowEnv struct {
	cols   []boundColumn
	values storage.Row
	params []types.Value
}

func (env *rowEnv) resolve(table, name string) (types.Value, error) {
	for i, c := range env.cols {
		if !strings.EqualFold(c.Name, name) {
			continue
		}
		if table != "" && !strings.EqualFold(c.Table, table) {
			continue
		}
		return env.values[i], nil
	}
	return types.Value{}, &errors.ColumnNotFoundError{Table: table, Column: name}
}

// eval evaluates expr against env. It does not evaluate aggregate or
// window function calls — select.go resolves those before eval ever sees
// the surrounding expression, substituting a LiteralExpr for the computed
// value, per the "library of built-in aggregate/window functions is an
// external collaborator" framing in spec.md §6: eval covers the scalar
// core only.
func eval(expr ast.Expr, env *rowEnv, resolveFn func(name string, args []types.Value) (types.Value, error)) (types.Value, error) {
	switch e := expr.(type) {
	case ast.LiteralExpr:
		return e.Value, nil
	case ast.ParamExpr:
		idx := e.Index - 1
		if idx < 0 || idx >= len(env.params) {
			return types.Value{}, &errors.ExpressionEvalError{Cause: fmt.Sprintf("parameter $%d not bound", e.Index)}
		}
		return env.params[idx], nil
	case ast.ColumnExpr:
		return env.resolve(e.Table, e.Name)
	case ast.StarExpr:
		return types.Value{}, &errors.ExpressionEvalError{Cause: "* is not valid in a scalar context"}
	case *ast.BinaryExpr:
		return evalBinary(e, env, resolveFn)
	case *ast.UnaryExpr:
		return evalUnary(e, env, resolveFn)
	case *ast.IsNullExpr:
		v, err := eval(e.Expr, env, resolveFn)
		if err != nil {
			return types.Value{}, err
		}
		res := v.IsNull()
		if e.Negate {
			res = !res
		}
		return types.NewBoolean(res), nil
	case *ast.BetweenExpr:
		return evalBetween(e, env, resolveFn)
	case *ast.InExpr:
		return evalIn(e, env, resolveFn)
	case *ast.CaseExpr:
		return evalCase(e, env, resolveFn)
	case *ast.FunctionCallExpr:
		return evalFunctionCall(e, env, resolveFn)
	default:
		return types.Value{}, &errors.ExpressionEvalError{Cause: fmt.Sprintf("unsupported expression %T", expr)}
	}
}

func truthy(v types.Value) bool {
	return !v.IsNull() && v.Type() == types.Boolean && v.Bool()
}

func evalUnary(e *ast.UnaryExpr, env *rowEnv, resolveFn func(string, []types.Value) (types.Value, error)) (types.Value, error) {
	v, err := eval(e.Expr, env, resolveFn)
	if err != nil {
		return types.Value{}, err
	}
	switch strings.ToUpper(e.Op) {
	case "NOT":
		if v.IsNull() {
			return types.NewNull(types.Boolean), nil
		}
		return types.NewBoolean(!truthy(v)), nil
	case "-":
		if v.IsNull() {
			return v, nil
		}
		if v.Type() == types.Integer {
			return types.NewInteger(-v.Int()), nil
		}
		return types.NewFloat(-v.Float64()), nil
	default:
		return types.Value{}, &errors.ExpressionEvalError{Cause: "unknown unary operator " + e.Op}
	}
}

func evalBetween(e *ast.BetweenExpr, env *rowEnv, resolveFn func(string, []types.Value) (types.Value, error)) (types.Value, error) {
	v, err := eval(e.Expr, env, resolveFn)
	if err != nil {
		return types.Value{}, err
	}
	lo, err := eval(e.Low, env, resolveFn)
	if err != nil {
		return types.Value{}, err
	}
	hi, err := eval(e.High, env, resolveFn)
	if err != nil {
		return types.Value{}, err
	}
	if v.IsNull() || lo.IsNull() || hi.IsNull() {
		return types.NewNull(types.Boolean), nil
	}
	res := compareValues(lo, v) <= 0 && compareValues(v, hi) <= 0
	if e.Negate {
		res = !res
	}
	return types.NewBoolean(res), nil
}

func evalIn(e *ast.InExpr, env *rowEnv, resolveFn func(string, []types.Value) (types.Value, error)) (types.Value, error) {
	v, err := eval(e.Expr, env, resolveFn)
	if err != nil {
		return types.Value{}, err
	}
	found := false
	for _, item := range e.List {
		iv, err := eval(item, env, resolveFn)
		if err != nil {
			return types.Value{}, err
		}
		if !v.IsNull() && !iv.IsNull() && v.Equal(iv) {
			found = true
			break
		}
	}
	if e.Negate {
		found = !found
	}
	return types.NewBoolean(found), nil
}

func evalCase(e *ast.CaseExpr, env *rowEnv, resolveFn func(string, []types.Value) (types.Value, error)) (types.Value, error) {
	var operand *types.Value
	if e.Operand != nil {
		v, err := eval(e.Operand, env, resolveFn)
		if err != nil {
			return types.Value{}, err
		}
		operand = &v
	}
	for _, when := range e.Whens {
		if operand != nil {
			wv, err := eval(when.When, env, resolveFn)
			if err != nil {
				return types.Value{}, err
			}
			if operand.Equal(wv) {
				return eval(when.Then, env, resolveFn)
			}
			continue
		}
		cond, err := eval(when.When, env, resolveFn)
		if err != nil {
			return types.Value{}, err
		}
		if truthy(cond) {
			return eval(when.Then, env, resolveFn)
		}
	}
	if e.Else != nil {
		return eval(e.Else, env, resolveFn)
	}
	return types.NewNull(types.NullType), nil
}

func evalFunctionCall(e *ast.FunctionCallExpr, env *rowEnv, resolveFn func(string, []types.Value) (types.Value, error)) (types.Value, error) {
	args := make([]types.Value, len(e.Args))
	for i, a := range e.Args {
		v, err := eval(a, env, resolveFn)
		if err != nil {
			return types.Value{}, err
		}
		args[i] = v
	}
	if builtin, ok := scalarBuiltins[strings.ToUpper(e.Name)]; ok {
		return builtin(args)
	}
	if resolveFn == nil {
		return types.Value{}, &errors.FunctionNotFoundError{Name: e.Name}
	}
	return resolveFn(e.Name, args)
}
