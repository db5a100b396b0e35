package storage

import "github.com/corvusdb/corvus/pkg/errors"

// TxStatus is the lifecycle state of a runtime Transaction (spec.md §4.10).
type TxStatus int

const (
	Active TxStatus = iota
	Committed
	RolledBack
	Ended
)

// writeOp records one row-level mutation. The row data itself is already on
// the heap; the record is used on rollback to walk back the mutation's
// secondary-index entries, and on commit or rollback to release the pk's
// write claim.
type writeOp struct {
	Table     string
	PK        int64
	OldOffset int64 // -1 if this write created the pk
	NewOffset int64 // not set by Insert, Update or Delete; always 0
	Deleted   bool
	OldRow    Row
	NewRow    Row
}

// UndoOp is one entry of a transaction's ddl_undo_log (spec.md §4.6):
// applying it in reverse order restores the engine to its pre-DDL state on
// rollback.
type UndoOp struct {
	Kind  string // "CreateTable", "DropTable", "CreateSchema", ...
	Apply func(e *Engine) error
}

// Transaction is the runtime transaction record: an id, a read snapshot
// (the set of txids visible at begin), a per-table write set, and a DDL
// undo log. It exclusively owns its write_set until commit or rollback.
type Transaction struct {
	ID     uint64
	Status TxStatus

	// ReadSnapshot is a snapshot of the committed-txid set taken at begin.
	// A version created by txid is visible to this transaction iff txid is
	// in ReadSnapshot or txid == ID (a transaction always sees its own
	// writes).
	ReadSnapshot map[uint64]bool

	WriteSet   map[string][]*writeOp // table name -> ops, for conflict bookkeeping
	DDLUndoLog []UndoOp

	// engineOwned marks a transaction the engine began itself
	// (beginInternal) because a call was made with a nil tx; finishAuto
	// commits such a transaction when the call succeeds and rolls it back
	// when it fails.
	engineOwned bool
}

func (tx *Transaction) requireActive() error {
	switch tx.Status {
	case Committed:
		return &errors.TransactionCommittedError{}
	case RolledBack, Ended:
		return &errors.TransactionEndedError{}
	}
	return nil
}

// Sees reports whether a version created by creator and (if deleted)
// deleted by deleter is visible to tx.
func (tx *Transaction) Sees(creator, deleter uint64) bool {
	visibleCreate := creator == tx.ID || tx.ReadSnapshot[creator]
	if !visibleCreate {
		return false
	}
	if deleter == 0 {
		return true
	}
	visibleDelete := deleter == tx.ID || tx.ReadSnapshot[deleter]
	return !visibleDelete
}
