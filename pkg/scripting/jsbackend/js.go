// Package jsbackend implements scripting.Backend for JavaScript, via
// github.com/dop251/goja, the pure-Go JS engine the erigontech/erigon pack
// manifest uses for its own embedded expression evaluation.
package jsbackend

import (
	"encoding/json"
	"math"

	"github.com/dop251/goja"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/scripting"
	"github.com/corvusdb/corvus/pkg/types"
)

// Backend is the JavaScript scripting.Backend. Every call builds a fresh
// goja.Runtime and discards it on return — no state leaks between calls.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string                 { return "javascript" }
func (b *Backend) SupportedLanguages() []string { return []string{"javascript", "js"} }

func (b *Backend) ValidateCode(code string) error {
	if _, err := goja.Compile("udf", code, true); err != nil {
		return &errors.ScriptCompileError{Language: "javascript", Cause: err.Error()}
	}
	return nil
}

func (b *Backend) Execute(code string, args []types.Value, paramNames []string) (types.Value, error) {
	vm := goja.New()
	bindArguments(vm, args, paramNames)

	result, err := vm.RunString(code)
	if err != nil {
		return types.Value{}, &errors.ScriptRuntimeError{Language: "javascript", Cause: err.Error()}
	}
	return jsToValue(result), nil
}

func (b *Backend) ExecuteProcedure(code string, args []types.Value, paramNames []string, db scripting.DatabaseOps) error {
	vm := goja.New()
	bindArguments(vm, args, paramNames)
	if err := vm.Set("db", newDBObject(db)); err != nil {
		return &errors.ScriptRuntimeError{Language: "javascript", Cause: err.Error()}
	}

	if _, err := vm.RunString(code); err != nil {
		return &errors.ScriptRuntimeError{Language: "javascript", Cause: err.Error()}
	}
	return nil
}

func bindArguments(vm *goja.Runtime, args []types.Value, paramNames []string) {
	native := make([]any, len(args))
	for i, a := range args {
		native[i] = valueToNative(a)
	}
	_ = vm.Set("arguments", native)
	for i, name := range paramNames {
		if i < len(args) {
			_ = vm.Set(name, native[i])
		}
	}
}

func valueToNative(v types.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Type() {
	case types.Integer:
		return v.Int()
	case types.Float:
		return v.Float64()
	case types.Boolean:
		return v.Bool()
	case types.Text, types.Json, types.Timestamp:
		return v.String()
	default:
		return v.String()
	}
}

// jsToValue maps a goja return value back to a types.Value by structural
// inspection, mirroring luabackend's approach: whole-number floats become
// Integer, everything else exported falls back to JSON-encoded Text when it
// isn't one of the directly representable scalar shapes.
func jsToValue(result goja.Value) types.Value {
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return types.NewNull(types.NullType)
	}
	switch exported := result.Export().(type) {
	case bool:
		return types.NewBoolean(exported)
	case int64:
		return types.NewInteger(exported)
	case float64:
		if exported == math.Trunc(exported) && !math.IsInf(exported, 0) {
			return types.NewInteger(int64(exported))
		}
		return types.NewFloat(exported)
	case string:
		return types.NewText(exported)
	default:
		data, err := json.Marshal(exported)
		if err != nil {
			return types.NewText(result.String())
		}
		return scripting.JSONText(string(data))
	}
}

// newDBObject builds the "db" object a procedure body calls into:
// db.execute(sql) -> affected_rows, db.query(sql) -> array of row objects.
// goja wraps these Go functions directly; a non-nil error return becomes a
// thrown JS exception.
func newDBObject(db scripting.DatabaseOps) map[string]any {
	return map[string]any{
		"execute": func(sql string) (int64, error) {
			return db.Execute(sql)
		},
		"query": func(sql string) ([]map[string]any, error) {
			return db.Query(sql)
		},
	}
}
