package corvus_test

import (
	"path/filepath"
	"testing"

	"github.com/corvusdb/corvus/pkg/corvus"
)

func mustOpen(t *testing.T) *corvus.Database {
	t.Helper()
	db, err := corvus.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBasicCRUD(t *testing.T) {
	db := mustOpen(t)

	if _, err := db.Execute(`CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance FLOAT, name TEXT)`, nil); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO accounts (id, balance, name) VALUES (1, 100.0, 'alice')`, nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO accounts (id, balance, name) VALUES (2, 50.0, 'bob')`, nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}

	row, err := db.QueryOne(`SELECT COUNT(*) FROM accounts`, nil)
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if n := row.At(0).Int(); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	n, err := db.Execute(`UPDATE accounts SET balance = balance + 10 WHERE id = 1`, nil)
	if err != nil {
		t.Fatalf("UPDATE: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row updated, got %d", n)
	}

	row, err = db.QueryOne(`SELECT balance FROM accounts WHERE id = 1`, nil)
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if v := row.At(0).Float64(); v != 110.0 {
		t.Fatalf("expected balance 110.0, got %v", v)
	}

	if _, err := db.Execute(`DELETE FROM accounts WHERE id = 2`, nil); err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	row, err = db.QueryOne(`SELECT COUNT(*) FROM accounts`, nil)
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if n := row.At(0).Int(); n != 1 {
		t.Fatalf("expected 1 row after delete, got %d", n)
	}
}

func TestUniqueConstraintViolation(t *testing.T) {
	db := mustOpen(t)
	if _, err := db.Execute(`CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)`, nil); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	if _, err := db.Execute(`CREATE UNIQUE INDEX idx_email ON users (email)`, nil); err != nil {
		t.Fatalf("CREATE INDEX: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO users (id, email) VALUES (1, 'a@example.com')`, nil); err != nil {
		t.Fatalf("first INSERT: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO users (id, email) VALUES (2, 'a@example.com')`, nil); err == nil {
		t.Fatal("expected a unique violation on duplicate email, got nil error")
	}
}

func TestAtomicTransferAndRollback(t *testing.T) {
	db := mustOpen(t)
	if _, err := db.Execute(`CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance FLOAT)`, nil); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO accounts (id, balance) VALUES (1, 100.0)`, nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO accounts (id, balance) VALUES (2, 0.0)`, nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Execute(`UPDATE accounts SET balance = balance - 30 WHERE id = 1`, nil); err != nil {
		t.Fatalf("tx UPDATE: %v", err)
	}
	if _, err := tx.Execute(`UPDATE accounts SET balance = balance + 30 WHERE id = 2`, nil); err != nil {
		t.Fatalf("tx UPDATE: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	row, err := db.QueryOne(`SELECT balance FROM accounts WHERE id = 1`, nil)
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if v := row.At(0).Float64(); v != 70.0 {
		t.Fatalf("expected 70.0 after transfer, got %v", v)
	}

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx2.Execute(`UPDATE accounts SET balance = balance - 1000 WHERE id = 1`, nil); err != nil {
		t.Fatalf("tx2 UPDATE: %v", err)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	row, err = db.QueryOne(`SELECT balance FROM accounts WHERE id = 1`, nil)
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if v := row.At(0).Float64(); v != 70.0 {
		t.Fatalf("expected balance unchanged at 70.0 after rollback, got %v", v)
	}
}

func TestUserDefinedScalarFunction(t *testing.T) {
	db := mustOpen(t)
	if _, err := db.Execute(`CREATE FUNCTION add(a INTEGER, b INTEGER) RETURNS INTEGER LANGUAGE lua AS 'return a + b'`, nil); err != nil {
		t.Fatalf("CREATE FUNCTION: %v", err)
	}
	if _, err := db.Execute(`CREATE TABLE nums (id INTEGER PRIMARY KEY)`, nil); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO nums (id) VALUES (1)`, nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}

	row, err := db.QueryOne(`SELECT add(2, 3) FROM nums WHERE id = 1`, nil)
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if n := row.At(0).Int(); n != 5 {
		t.Fatalf("expected add(2,3) = 5, got %d", n)
	}
}

func TestProcedureReentersCallerTransaction(t *testing.T) {
	db := mustOpen(t)
	if _, err := db.Execute(`CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance FLOAT)`, nil); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO accounts (id, balance) VALUES (1, 100.0)`, nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO accounts (id, balance) VALUES (2, 0.0)`, nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}

	proc := `CREATE PROCEDURE xfer(src INTEGER, dst INTEGER, amount FLOAT) LANGUAGE lua AS ` +
		"'db.execute(\"UPDATE accounts SET balance = balance - \" .. amount .. \" WHERE id = \" .. src)\n" +
		"db.execute(\"UPDATE accounts SET balance = balance + \" .. amount .. \" WHERE id = \" .. dst)'"
	if _, err := db.Execute(proc, nil); err != nil {
		t.Fatalf("CREATE PROCEDURE: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Execute(`CALL xfer(1, 2, 40)`, nil); err != nil {
		t.Fatalf("CALL: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	row, err := db.QueryOne(`SELECT balance FROM accounts WHERE id = 2`, nil)
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if v := row.At(0).Float64(); v != 40.0 {
		t.Fatalf("expected account 2 balance 40.0 after xfer, got %v", v)
	}
}

func TestAddColumnBackfillsDefaultForExistingRows(t *testing.T) {
	db := mustOpen(t)
	if _, err := db.Execute(`CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance FLOAT)`, nil); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO accounts (id, balance) VALUES (1, 100.0)`, nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if _, err := db.Execute(`INSERT INTO accounts (id, balance) VALUES (2, 50.0)`, nil); err != nil {
		t.Fatalf("INSERT: %v", err)
	}

	if _, err := db.Execute(`ALTER TABLE accounts ADD COLUMN status TEXT NOT NULL DEFAULT 'active'`, nil); err != nil {
		t.Fatalf("ALTER TABLE ADD COLUMN: %v", err)
	}

	row, err := db.QueryOne(`SELECT status FROM accounts WHERE id = 1`, nil)
	if err != nil {
		t.Fatalf("QueryOne id=1: %v", err)
	}
	if v := row.At(0).String(); v != "active" {
		t.Fatalf("expected pre-existing row 1's new column to be backfilled to 'active', got %q", v)
	}

	row, err = db.QueryOne(`SELECT status FROM accounts WHERE id = 2`, nil)
	if err != nil {
		t.Fatalf("QueryOne id=2: %v", err)
	}
	if v := row.At(0).String(); v != "active" {
		t.Fatalf("expected pre-existing row 2's new column to be backfilled to 'active', got %q", v)
	}

	if _, err := db.Execute(`INSERT INTO accounts (id, balance, status) VALUES (3, 0.0, 'pending')`, nil); err != nil {
		t.Fatalf("INSERT after ADD COLUMN: %v", err)
	}
	row, err = db.QueryOne(`SELECT status FROM accounts WHERE id = 3`, nil)
	if err != nil {
		t.Fatalf("QueryOne id=3: %v", err)
	}
	if v := row.At(0).String(); v != "pending" {
		t.Fatalf("expected row 3's explicit status 'pending' to be unaffected by the backfill, got %q", v)
	}
}

func TestDurableReopenAfterCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")

	db, err := corvus.Open("file://"+path, corvus.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.Execute(`CREATE TABLE events (id INTEGER PRIMARY KEY)`, nil); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	for i := int64(1); i <= 5; i++ {
		if _, err := db.Execute(sprintfInsert(i), nil); err != nil {
			t.Fatalf("INSERT: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := corvus.Open("file://"+path, corvus.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	row, err := db2.QueryOne(`SELECT COUNT(*) FROM events`, nil)
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if n := row.At(0).Int(); n != 5 {
		t.Fatalf("expected 5 rows to survive reopen, got %d", n)
	}

	// Uncommitted work never reaches the WAL as a committed record, so it
	// must not survive a reopen either.
	tx, err := db2.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := int64(6); i <= 8; i++ {
		if _, err := tx.Execute(sprintfInsert(i), nil); err != nil {
			t.Fatalf("tx INSERT: %v", err)
		}
	}
	// No commit/rollback: simulate a crash by dropping db2 without closing
	// its in-flight transaction, then reopening from the same directory.
	if err := db2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db3, err := corvus.Open("file://"+path, corvus.Options{})
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer db3.Close()
	row, err = db3.QueryOne(`SELECT COUNT(*) FROM events`, nil)
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if n := row.At(0).Int(); n != 5 {
		t.Fatalf("expected uncommitted inserts to be discarded, still 5, got %d", n)
	}
}

func sprintfInsert(id int64) string {
	return "INSERT INTO events (id) VALUES (" + itoa(id) + ")"
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
