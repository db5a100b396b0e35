// Package luabackend implements scripting.Backend for Lua, via
// github.com/yuin/gopher-lua — the embedded-scripting dependency present in
// the cuemby-warren, storj-storj, and evalgo-org-eve pack manifests.
package luabackend

import (
	"encoding/json"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/scripting"
	"github.com/corvusdb/corvus/pkg/types"
)

// Backend is the Lua scripting.Backend. It holds no runtime state: every
// Execute/ExecuteProcedure call opens a fresh *lua.LState and closes it
// before returning, so no state leaks between invocations.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string                 { return "lua" }
func (b *Backend) SupportedLanguages() []string { return []string{"lua"} }

func (b *Backend) ValidateCode(code string) error {
	L := lua.NewState()
	defer L.Close()
	if _, err := L.LoadString(code); err != nil {
		return &errors.ScriptCompileError{Language: "lua", Cause: err.Error()}
	}
	return nil
}

func (b *Backend) Execute(code string, args []types.Value, paramNames []string) (types.Value, error) {
	L := lua.NewState()
	defer L.Close()
	bindArguments(L, args, paramNames)

	top := L.GetTop()
	if err := L.DoString(code); err != nil {
		return types.Value{}, &errors.ScriptRuntimeError{Language: "lua", Cause: err.Error()}
	}
	if L.GetTop() <= top {
		return types.NewNull(types.NullType), nil
	}
	return luaToValue(L.Get(-1)), nil
}

func (b *Backend) ExecuteProcedure(code string, args []types.Value, paramNames []string, db scripting.DatabaseOps) error {
	L := lua.NewState()
	defer L.Close()
	bindArguments(L, args, paramNames)
	L.SetGlobal("db", newDBTable(L, db))

	if err := L.DoString(code); err != nil {
		return &errors.ScriptRuntimeError{Language: "lua", Cause: err.Error()}
	}
	return nil
}

// bindArguments sets the positional "arguments" table and each named
// parameter as a Lua global, per spec.md §4.7's argument-binding contract.
func bindArguments(L *lua.LState, args []types.Value, paramNames []string) {
	tbl := L.NewTable()
	for _, a := range args {
		tbl.Append(valueToLua(L, a))
	}
	L.SetGlobal("arguments", tbl)
	for i, name := range paramNames {
		if i < len(args) {
			L.SetGlobal(name, valueToLua(L, args[i]))
		}
	}
}

func valueToLua(L *lua.LState, v types.Value) lua.LValue {
	if v.IsNull() {
		return lua.LNil
	}
	switch v.Type() {
	case types.Integer:
		return lua.LNumber(v.Int())
	case types.Float:
		return lua.LNumber(v.Float64())
	case types.Boolean:
		return lua.LBool(v.Bool())
	case types.Text, types.Json, types.Timestamp:
		return lua.LString(v.String())
	default:
		return lua.LString(v.String())
	}
}

// luaToValue maps a Lua return value back to a types.Value by structural
// inspection (spec.md §4.7): numbers fold to Integer when they carry no
// fractional part, otherwise Float; anything else not directly
// representable falls back to JSON-encoded Text.
func luaToValue(lv lua.LValue) types.Value {
	switch v := lv.(type) {
	case lua.LBool:
		return types.NewBoolean(bool(v))
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			return types.NewInteger(int64(f))
		}
		return types.NewFloat(f)
	case lua.LString:
		return types.NewText(string(v))
	case *lua.LNilType:
		return types.NewNull(types.NullType)
	default:
		data, err := json.Marshal(goFromLua(lv))
		if err != nil {
			return types.NewText(lv.String())
		}
		return scripting.JSONText(string(data))
	}
}

// goFromLua converts a Lua value into a plain Go value suitable for
// json.Marshal, recursing into tables. Used only for the fallback path.
func goFromLua(lv lua.LValue) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				arr[i-1] = goFromLua(v.RawGetInt(i))
			}
			return arr
		}
		obj := make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			obj[k.String()] = goFromLua(val)
		})
		return obj
	default:
		return nil
	}
}

// newDBTable builds the "db" global a procedure body calls into:
// db.execute(sql) -> affected_rows, db.query(sql) -> array of row tables.
func newDBTable(L *lua.LState, db scripting.DatabaseOps) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("execute", L.NewFunction(func(L *lua.LState) int {
		sql := L.CheckString(1)
		n, err := db.Execute(sql)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LNumber(n))
		return 1
	}))
	tbl.RawSetString("query", L.NewFunction(func(L *lua.LState) int {
		sql := L.CheckString(1)
		rows, err := db.Query(sql)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		out := L.NewTable()
		for _, row := range rows {
			rowTbl := L.NewTable()
			for col, val := range row {
				rowTbl.RawSetString(col, goValueToLua(L, val))
			}
			out.Append(rowTbl)
		}
		L.Push(out)
		return 1
	}))
	return tbl
}

func goValueToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	default:
		return lua.LString(fmt.Sprintf("%v", x))
	}
}
