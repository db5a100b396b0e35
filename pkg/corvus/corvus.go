// Package corvus is the embeddable public API: Database for auto-commit
// convenience, Transaction for an explicit begin/commit/rollback unit of
// work, and Rows/Row for typed access to query results. It is the one
// package that wires pkg/storage, pkg/catalog, pkg/scripting, and
// pkg/executor together behind a single entry point, the way the teacher's
// storage.Open+wal.Options pairing is the one place callers touch to stand
// up a ready-to-use engine.
package corvus

import (
	"os"
	"strings"

	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/catalog"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/executor"
	"github.com/corvusdb/corvus/pkg/scripting"
	"github.com/corvusdb/corvus/pkg/scripting/jsbackend"
	"github.com/corvusdb/corvus/pkg/scripting/luabackend"
	"github.com/corvusdb/corvus/pkg/sqlparser"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
	"github.com/corvusdb/corvus/pkg/wal"
	"github.com/google/uuid"
)

// Options configures a Database beyond what its URL already implies.
type Options struct {
	WAL wal.Options // zero value resolves to wal.DefaultOptions()

	// BTreeFanout overrides the node fanout of every pk tree and BTree
	// secondary index the engine opens. 0 defers to index.DefaultBTreeFanout.
	BTreeFanout int
}

// Database is an auto-commit handle onto one storage.Engine. Every call
// that isn't Begin runs as its own single-statement transaction when no
// explicit Transaction is open, mirroring spec.md §6's Database surface.
type Database struct {
	id       string
	engine   *storage.Engine
	registry *catalog.Registry
	backends *scripting.BackendRegistry
	exec     *executor.Executor
	ephemeral string // non-empty: a temp dir Close() removes
}

// Open opens url, which is either "memory://[tag]" for an ephemeral
// database backed by a throwaway directory, or "file://<path>" for a
// durable one. open_in_memory() from spec.md §6 is OpenInMemory below.
func Open(url string, opts Options) (*Database, error) {
	switch {
	case strings.HasPrefix(url, "memory://"):
		return openMemory(opts)
	case strings.HasPrefix(url, "file://"):
		return openFile(strings.TrimPrefix(url, "file://"), opts)
	default:
		return nil, &errors.InvalidArgumentError{Detail: "url must start with memory:// or file://"}
	}
}

// OpenInMemory is the open(url) shortcut for an ephemeral database.
func OpenInMemory() (*Database, error) {
	return Open("memory://", Options{})
}

func openMemory(opts Options) (*Database, error) {
	dir, err := os.MkdirTemp("", "corvus-mem-*")
	if err != nil {
		return nil, &errors.CorruptionError{Detail: err.Error()}
	}
	db, err := openFile(dir, opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	db.ephemeral = dir
	return db, nil
}

func openFile(dataDir string, opts Options) (*Database, error) {
	walOpts := opts.WAL
	if walOpts == (wal.Options{}) {
		walOpts = wal.DefaultOptions()
	}
	engine, err := storage.Open(dataDir, storage.EngineOptions{WAL: walOpts, BTreeFanout: opts.BTreeFanout})
	if err != nil {
		return nil, err
	}

	if err := catalog.EnsureTables(engine, nil); err != nil {
		return nil, err
	}
	registry := catalog.NewRegistry()
	if err := registry.ReplayFromStorage(engine); err != nil {
		return nil, err
	}
	backends := scripting.NewBackendRegistry(luabackend.New(), jsbackend.New())

	return &Database{
		id:       uuid.NewString(),
		engine:   engine,
		registry: registry,
		backends: backends,
		exec:     executor.New(engine, registry, backends),
	}, nil
}

// ID is a per-open, process-local identifier useful for logging when an
// embedder juggles more than one Database handle.
func (d *Database) ID() string { return d.id }

// Close releases the underlying engine's resources. An ephemeral database
// also removes its backing temp directory.
func (d *Database) Close() error {
	err := d.engine.Close()
	if d.ephemeral != "" {
		os.RemoveAll(d.ephemeral)
	}
	return err
}

func parseOne(sql string) (ast.Statement, error) {
	prog, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, &errors.ParseError{Cause: err.Error()}
	}
	if len(prog.Statements) == 0 {
		return nil, &errors.NoStatementsToExecuteError{}
	}
	return prog.Statements[0], nil
}

// Execute runs a non-row-returning statement (DDL/DML/CALL/transaction
// control) and returns its affected-row count.
func (d *Database) Execute(sql string, params []types.Value) (int64, error) {
	stmt, err := parseOne(sql)
	if err != nil {
		return 0, err
	}
	return d.exec.Execute(stmt, params)
}

// Query runs a row-returning statement (SELECT/SHOW/DESCRIBE).
func (d *Database) Query(sql string, params []types.Value) (*Rows, error) {
	stmt, err := parseOne(sql)
	if err != nil {
		return nil, err
	}
	result, err := d.exec.Query(stmt, params)
	if err != nil {
		return nil, err
	}
	return &Rows{columns: result.Columns, rows: result.Rows}, nil
}

// QueryOne runs sql and requires exactly one row, failing with
// NoRowsReturnedError otherwise.
func (d *Database) QueryOne(sql string, params []types.Value) (*Row, error) {
	rows, err := d.Query(sql, params)
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		return nil, &errors.NoRowsReturnedError{}
	}
	row := rows.Row()
	return row, nil
}

// QueryOpt runs sql and returns (nil, nil) if it produces no rows, rather
// than an error.
func (d *Database) QueryOpt(sql string, params []types.Value) (*Row, error) {
	rows, err := d.Query(sql, params)
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		return nil, nil
	}
	return rows.Row(), nil
}

// Begin starts an explicit transaction. Statements run through the
// returned Transaction see each other's writes immediately and are only
// visible to other connections after Commit.
func (d *Database) Begin() (*Transaction, error) {
	if err := d.exec.Begin(); err != nil {
		return nil, err
	}
	return &Transaction{db: d}, nil
}
