package executor

import (
	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/catalog"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/sqlparser"
	"github.com/corvusdb/corvus/pkg/types"
)

// callScalarFunction resolves and invokes a user-defined scalar function
// (spec.md §4.7's "scalar UDF path"): no active transaction is required or
// created, unlike CALL.
func (e *Executor) callScalarFunction(name string, args []types.Value) (types.Value, error) {
	fn, ok := e.registry.LookupFunction("", name)
	if !ok {
		return types.Value{}, &errors.FunctionNotFoundError{Name: name}
	}
	backend, err := e.backends.GetBackend(fn.Language)
	if err != nil {
		return types.Value{}, err
	}
	return backend.Execute(fn.Code, args, paramNames(fn.Parameters))
}

func paramNames(params []catalog.Parameter) []string {
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = p.Name
	}
	return out
}

// execCall runs CALL name(args...) through the seven-step protocol spec.md
// §4.7 describes.
func (e *Executor) execCall(s *ast.CallStmt, params []types.Value) error {
	env := &rowEnv{params: params}
	args := make([]types.Value, len(s.Args))
	for i, a := range s.Args {
		v, err := eval(a, env, e.resolveUDF)
		if err != nil {
			return err
		}
		args[i] = v
	}

	proc, ok := e.registry.LookupProcedure("", s.Name)
	if !ok {
		return &errors.ProcedureNotFoundError{Name: s.Name}
	}
	backend, err := e.backends.GetBackend(proc.Language)
	if err != nil {
		return err
	}

	e.mu.Lock()
	owns := e.activeTx == nil
	if owns {
		tx, err := e.engine.Begin()
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.activeTx = tx
	}
	e.mu.Unlock()

	bridge := &dbBridge{ex: e}
	runErr := backend.ExecuteProcedure(proc.Code, args, paramNames(proc.Parameters), bridge)

	if !owns {
		return runErr
	}
	e.mu.Lock()
	tx := e.activeTx
	e.activeTx = nil
	e.mu.Unlock()
	if runErr != nil {
		_ = e.engine.Rollback(tx)
		return runErr
	}
	return e.engine.Commit(tx)
}

// dbBridge is the scripting.DatabaseOps a procedure body receives: both
// methods re-enter the same Executor, which always runs them against
// whatever transaction is in e.activeTx — the caller's, if execCall found
// one already open, or the one execCall just began.
type dbBridge struct {
	ex *Executor
}

func (b *dbBridge) Execute(sql string) (int64, error) {
	prog, err := sqlparser.Parse(sql)
	if err != nil {
		return 0, &errors.ParseError{Cause: err.Error()}
	}
	if len(prog.Statements) == 0 {
		return 0, &errors.NoStatementsToExecuteError{}
	}
	return b.ex.Execute(prog.Statements[0], nil)
}

func (b *dbBridge) Query(sql string) ([]map[string]any, error) {
	prog, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, &errors.ParseError{Cause: err.Error()}
	}
	if len(prog.Statements) == 0 {
		return nil, &errors.NoStatementsToExecuteError{}
	}
	result, err := b.ex.Query(prog.Statements[0], nil)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(result.Rows))
	for i, row := range result.Rows {
		m := make(map[string]any, len(result.Columns))
		for j, col := range result.Columns {
			if j < len(row) {
				m[col] = nativeOf(row[j])
			}
		}
		rows[i] = m
	}
	return rows, nil
}

func nativeOf(v types.Value) any {
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
	default:
		return v.String()
	}
}
