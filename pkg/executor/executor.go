// Package executor dispatches parsed statements (pkg/ast) against a
// storage.Engine: DQL becomes a scan/filter/project pipeline, DML and DDL
// call straight through to the matching storage.Engine method, and CALL
// re-enters the database under the active transaction via the scripting
// backend registry. It owns the single active-transaction slot spec.md
// §4.5/§9 describes, mirroring the teacher's mutex-guarded shared-state
// idiom (StorageEngine.metaMu, TransactionRegistry.mu) applied to that one
// field instead of a whole registry.
package executor

import (
	"sync"

	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/catalog"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/scripting"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
)

// QueryResult is the tabular result of a DQL/SHOW/DESCRIBE statement.
type QueryResult struct {
	Columns []string
	Rows    []storage.Row
}

// Executor is a single logical connection against one storage.Engine: it
// owns at most one active transaction at a time, exactly as spec.md §4.5
// describes ("a mutable optional field... populated at the start of each
// explicit Transaction call and taken back at its end").
type Executor struct {
	engine   *storage.Engine
	registry *catalog.Registry
	backends *scripting.BackendRegistry

	mu       sync.Mutex
	activeTx *storage.Transaction
}

func New(engine *storage.Engine, registry *catalog.Registry, backends *scripting.BackendRegistry) *Executor {
	return &Executor{engine: engine, registry: registry, backends: backends}
}

// Begin starts an explicit transaction, failing if one is already active.
func (e *Executor) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeTx != nil {
		return &errors.InvalidArgumentError{Detail: "a transaction is already active on this connection"}
	}
	tx, err := e.engine.Begin()
	if err != nil {
		return err
	}
	e.activeTx = tx
	return nil
}

// CommitActive commits the explicit active transaction, if any.
func (e *Executor) CommitActive() error {
	e.mu.Lock()
	tx := e.activeTx
	e.activeTx = nil
	e.mu.Unlock()
	if tx == nil {
		return &errors.TransactionNotStartedError{}
	}
	return e.engine.Commit(tx)
}

// RollbackActive rolls back the explicit active transaction, if any.
func (e *Executor) RollbackActive() error {
	e.mu.Lock()
	tx := e.activeTx
	e.activeTx = nil
	e.mu.Unlock()
	if tx == nil {
		return &errors.TransactionNotStartedError{}
	}
	return e.engine.Rollback(tx)
}

// HasActiveTransaction reports whether an explicit transaction is open.
func (e *Executor) HasActiveTransaction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTx != nil
}

func (e *Executor) currentTx() *storage.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTx
}

// Execute runs a non-DQL statement (DDL, DML, CALL, transaction control)
// and returns the affected-row count, per spec.md §4.5's per-statement-kind
// contract.
func (e *Executor) Execute(stmt ast.Statement, params []types.Value) (int64, error) {
	switch s := stmt.(type) {
	case *ast.BeginStmt:
		return 0, e.Begin()
	case *ast.CommitStmt:
		return 0, e.CommitActive()
	case *ast.RollbackStmt:
		return 0, e.RollbackActive()

	case *ast.CreateSchemaStmt:
		return 0, e.engine.CreateSchema(e.currentTx(), s.Name, s.IfNotExists)
	case *ast.DropSchemaStmt:
		return 0, e.engine.DropSchema(e.currentTx(), s.Name, s.IfExists)

	case *ast.CreateTableStmt:
		return 0, e.execCreateTable(s)
	case *ast.DropTableStmt:
		return 0, e.engine.DropTable(e.currentTx(), s.Schema, s.Name, s.IfExists)
	case *ast.AlterTableStmt:
		return 0, e.execAlterTable(s)

	case *ast.CreateIndexStmt:
		return 0, e.engine.CreateIndex(e.currentTx(), "", s.Table, s.Name, s.Columns, s.Unique, s.Using, s.IfNotExists)
	case *ast.DropIndexStmt:
		return 0, e.engine.DropIndex(e.currentTx(), "", s.Table, s.Name, s.IfExists)

	case *ast.CreateViewStmt:
		return 0, e.engine.CreateView(e.currentTx(), s.Name, s.QueryText, s.Query, s.IfNotExists)
	case *ast.DropViewStmt:
		return 0, e.engine.DropView(e.currentTx(), s.Name, s.IfExists)

	case *ast.CreateFunctionStmt:
		return 0, e.execCreateFunction(s)
	case *ast.DropFunctionStmt:
		return 0, e.registry.DropFunction(e.engine, e.currentTx(), s.Schema, s.Name, s.IfExists)
	case *ast.CreateProcedureStmt:
		return 0, e.execCreateProcedure(s)
	case *ast.DropProcedureStmt:
		return 0, e.registry.DropProcedure(e.engine, e.currentTx(), s.Schema, s.Name, s.IfExists)

	case *ast.InsertStmt:
		return e.execInsert(s, params)
	case *ast.UpdateStmt:
		return e.execUpdate(s, params)
	case *ast.DeleteStmt:
		return e.execDelete(s, params)

	case *ast.CallStmt:
		return 0, e.execCall(s, params)

	default:
		return 0, &errors.InvalidArgumentError{Detail: "statement is not executable; use Query"}
	}
}

// Query runs a DQL/SHOW/DESCRIBE statement and returns its rows.
func (e *Executor) Query(stmt ast.Statement, params []types.Value) (*QueryResult, error) {
	switch s := stmt.(type) {
	case *ast.SelectStmt:
		return e.execSelect(s, params)
	case *ast.ShowStmt:
		return e.execShow(s)
	case *ast.DescribeStmt:
		return e.execDescribe(s)
	default:
		return nil, &errors.InvalidArgumentError{Detail: "statement does not return rows; use Execute"}
	}
}
