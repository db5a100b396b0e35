package corvus

import "github.com/corvusdb/corvus/pkg/types"

// Transaction is an explicit unit of work begun by Database.Begin. It
// mirrors Database's execute/query/query_one/query_opt surface, routed
// through the same Executor so statements run under the one active
// transaction slot spec.md §4.5 describes.
type Transaction struct {
	db   *Database
	done bool
}

func (t *Transaction) Execute(sql string, params []types.Value) (int64, error) {
	stmt, err := parseOne(sql)
	if err != nil {
		return 0, err
	}
	return t.db.exec.Execute(stmt, params)
}

func (t *Transaction) Query(sql string, params []types.Value) (*Rows, error) {
	stmt, err := parseOne(sql)
	if err != nil {
		return nil, err
	}
	result, err := t.db.exec.Query(stmt, params)
	if err != nil {
		return nil, err
	}
	return &Rows{columns: result.Columns, rows: result.Rows}, nil
}

func (t *Transaction) QueryOne(sql string, params []types.Value) (*Row, error) {
	return t.db.QueryOne(sql, params)
}

func (t *Transaction) QueryOpt(sql string, params []types.Value) (*Row, error) {
	return t.db.QueryOpt(sql, params)
}

// Commit commits the transaction. Calling it twice, or after Rollback, is
// a no-op error from the executor (TransactionNotStarted).
func (t *Transaction) Commit() error {
	t.done = true
	return t.db.exec.CommitActive()
}

// Rollback rolls the transaction back.
func (t *Transaction) Rollback() error {
	t.done = true
	return t.db.exec.RollbackActive()
}

// Close rolls back the transaction if neither Commit nor Rollback has run
// yet, matching spec.md §6's "unclosed transaction auto-rolls-back"
// lifecycle rule for callers that defer Close after Begin.
func (t *Transaction) Close() error {
	if t.done {
		return nil
	}
	return t.Rollback()
}
