package executor

import (
	"strings"
	"time"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/types"
)

// scalarBuiltins is the small, fixed set of scalar functions corvus
// evaluates itself. spec.md §6 treats "the library of built-in
// scalar/aggregate/window functions" as an external collaborator the core
// merely dispatches into; this set is the minimum needed to exercise that
// dispatch path end to end, not an attempt at a complete function library.
var scalarBuiltins = map[string]func([]types.Value) (types.Value, error){
	"LOWER": func(a []types.Value) (types.Value, error) {
		return unaryText(a, strings.ToLower)
	},
	"UPPER": func(a []types.Value) (types.Value, error) {
		return unaryText(a, strings.ToUpper)
	},
	"LENGTH": func(a []types.Value) (types.Value, error) {
		if err := arity(a, 1); err != nil {
			return types.Value{}, err
		}
		if a[0].IsNull() {
			return types.NewNull(types.Integer), nil
		}
		return types.NewInteger(int64(len(a[0].String()))), nil
	},
	"ABS": func(a []types.Value) (types.Value, error) {
		if err := arity(a, 1); err != nil {
			return types.Value{}, err
		}
		if a[0].IsNull() {
			return types.NewNull(a[0].Type()), nil
		}
		if a[0].Type() == types.Integer {
			v := a[0].Int()
			if v < 0 {
				v = -v
			}
			return types.NewInteger(v), nil
		}
		v := a[0].Float64()
		if v < 0 {
			v = -v
		}
		return types.NewFloat(v), nil
	},
	"COALESCE": func(a []types.Value) (types.Value, error) {
		for _, v := range a {
			if !v.IsNull() {
				return v, nil
			}
		}
		if len(a) == 0 {
			return types.NewNull(types.NullType), nil
		}
		return a[len(a)-1], nil
	},
	"NOW": func(a []types.Value) (types.Value, error) {
		return types.NewTimestamp(time.Now()), nil
	},
	"CONCAT": func(a []types.Value) (types.Value, error) {
		var sb strings.Builder
		for _, v := range a {
			if v.IsNull() {
				continue
			}
			sb.WriteString(v.String())
		}
		return types.NewText(sb.String()), nil
	},
}

func arity(a []types.Value, n int) error {
	if len(a) != n {
		return &errors.ExpressionEvalError{Cause: "wrong number of arguments"}
	}
	return nil
}

func unaryText(a []types.Value, f func(string) string) (types.Value, error) {
	if err := arity(a, 1); err != nil {
		return types.Value{}, err
	}
	if a[0].IsNull() {
		return types.NewNull(types.Text), nil
	}
	return types.NewText(f(a[0].String())), nil
}

// isAggregateName reports whether name is one of the built-in aggregate
// functions select.go computes per group before handing the projection
// list to eval.
func isAggregateName(name string) bool {
	switch strings.ToUpper(name) {
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return true
	}
	return false
}
