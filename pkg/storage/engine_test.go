package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
	"github.com/corvusdb/corvus/pkg/wal"
)

func openEngine(t *testing.T) *storage.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := storage.Open(filepath.Join(dir, "db"), storage.EngineOptions{WAL: wal.DefaultOptions()})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func intSchema(t *testing.T, table string) *storage.Schema {
	t.Helper()
	schema, err := storage.NewSchemaBuilder("", table).
		AddWithConstraints("id", types.Integer, false, true, false, nil, nil).
		AddWithConstraints("name", types.Text, true, false, false, nil, nil).
		Build()
	if err != nil {
		t.Fatalf("Build schema: %v", err)
	}
	return schema
}

func TestInsertGetScan(t *testing.T) {
	e := openEngine(t)
	schema := intSchema(t, "widgets")
	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.CreateTable(tx, schema, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(tx, "", "widgets", storage.Row{types.NewInteger(1), types.NewText("a")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := e.Insert(tx, "", "widgets", storage.Row{types.NewInteger(2), types.NewText("b")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	row, ok, err := e.Get(nil, "", "widgets", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected row 1 to exist")
	}
	if row[1].String() != "a" {
		t.Fatalf("expected name 'a', got %v", row[1])
	}

	rows, err := e.Scan(nil, "", "widgets")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestDuplicatePrimaryKeyRejected(t *testing.T) {
	e := openEngine(t)
	schema := intSchema(t, "widgets")
	tx, _ := e.Begin()
	if err := e.CreateTable(tx, schema, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(tx, "", "widgets", storage.Row{types.NewInteger(1), types.NewText("a")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := e.Insert(tx, "", "widgets", storage.Row{types.NewInteger(1), types.NewText("dup")}); err == nil {
		t.Fatal("expected duplicate key error on re-inserting pk 1")
	}
	e.Rollback(tx)
}

func TestUniqueIndexViolation(t *testing.T) {
	e := openEngine(t)
	schema := intSchema(t, "people")
	tx, _ := e.Begin()
	if err := e.CreateTable(tx, schema, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.CreateIndex(tx, "", "people", "idx_name", []string{"name"}, true, "", false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if _, err := e.Insert(tx, "", "people", storage.Row{types.NewInteger(1), types.NewText("alice")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := e.Insert(tx, "", "people", storage.Row{types.NewInteger(2), types.NewText("alice")}); err == nil {
		t.Fatal("expected unique violation on duplicate name")
	}
	e.Commit(tx)
}

func TestMVCCIsolationBetweenConcurrentTransactions(t *testing.T) {
	e := openEngine(t)
	schema := intSchema(t, "widgets")
	setup, _ := e.Begin()
	if err := e.CreateTable(setup, schema, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(setup, "", "widgets", storage.Row{types.NewInteger(1), types.NewText("orig")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Commit(setup); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin reader: %v", err)
	}
	writer, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin writer: %v", err)
	}
	if err := e.Update(writer, "", "widgets", 1, storage.Row{types.NewInteger(1), types.NewText("changed")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := e.Commit(writer); err != nil {
		t.Fatalf("Commit writer: %v", err)
	}

	row, ok, err := e.Get(reader, "", "widgets", 1)
	if err != nil {
		t.Fatalf("Get under reader snapshot: %v", err)
	}
	if !ok {
		t.Fatal("expected row to still be visible under reader's snapshot")
	}
	if row[1].String() != "orig" {
		t.Fatalf("expected reader to see pre-commit value 'orig', got %v", row[1])
	}
	e.Rollback(reader)

	row, _, err = e.Get(nil, "", "widgets", 1)
	if err != nil {
		t.Fatalf("Get after writer commit: %v", err)
	}
	if row[1].String() != "changed" {
		t.Fatalf("expected latest committed value 'changed', got %v", row[1])
	}
}

func TestRollbackDiscardsChanges(t *testing.T) {
	e := openEngine(t)
	schema := intSchema(t, "widgets")
	setup, _ := e.Begin()
	if err := e.CreateTable(setup, schema, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.Commit(setup); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, _ := e.Begin()
	if _, err := e.Insert(tx, "", "widgets", storage.Row{types.NewInteger(1), types.NewText("a")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	rows, err := e.Scan(nil, "", "widgets")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected rolled-back insert to leave table empty, got %d rows", len(rows))
	}
}

// TestRollbackRestoresUniqueIndex guards against a unique secondary index
// outliving the rolled-back insert that populated it: a stale entry there
// would reject a later, legitimate insert of the same value with a spurious
// UniqueViolationError.
func TestRollbackRestoresUniqueIndex(t *testing.T) {
	e := openEngine(t)
	schema := intSchema(t, "users")
	setup, _ := e.Begin()
	if err := e.CreateTable(setup, schema, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.CreateIndex(setup, "", "users", "idx_name", []string{"name"}, true, "", false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := e.Commit(setup); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, _ := e.Begin()
	if _, err := e.Insert(tx, "", "users", storage.Row{types.NewInteger(1), types.NewText("a@x")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	retry, _ := e.Begin()
	if _, err := e.Insert(retry, "", "users", storage.Row{types.NewInteger(2), types.NewText("a@x")}); err != nil {
		t.Fatalf("expected re-insert of the rolled-back unique value to succeed, got %v", err)
	}
	if err := e.Commit(retry); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestPrimaryKeyReusableAfterCommittedDelete guards against a committed
// DELETE permanently blocking its primary key from ever being reused:
// HeadOffset alone can't distinguish "a live row occupies this pk" from "a
// pk tree entry exists but its head version is a committed delete".
func TestPrimaryKeyReusableAfterCommittedDelete(t *testing.T) {
	e := openEngine(t)
	schema := intSchema(t, "widgets")
	tx, _ := e.Begin()
	if err := e.CreateTable(tx, schema, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(tx, "", "widgets", storage.Row{types.NewInteger(1), types.NewText("a")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	del, _ := e.Begin()
	if err := e.Delete(del, "", "widgets", 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := e.Commit(del); err != nil {
		t.Fatalf("Commit delete: %v", err)
	}

	reinsert, _ := e.Begin()
	if _, err := e.Insert(reinsert, "", "widgets", storage.Row{types.NewInteger(1), types.NewText("b")}); err != nil {
		t.Fatalf("expected pk 1 to be reusable after its committed delete, got %v", err)
	}
	if err := e.Commit(reinsert); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	row, ok, err := e.Get(nil, "", "widgets", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected the reinserted row to be visible")
	}
	if row[1].String() != "b" {
		t.Fatalf("expected reinserted value 'b', got %v", row[1])
	}
}

func TestCheckpointWritesPerTableSnapshot(t *testing.T) {
	e := openEngine(t)
	schema := intSchema(t, "widgets")
	tx, _ := e.Begin()
	if err := e.CreateTable(tx, schema, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(tx, "", "widgets", storage.Row{types.NewInteger(1), types.NewText("a")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ckptDir := t.TempDir()
	if err := e.Checkpoint(ckptDir); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	entries, err := os.ReadDir(ckptDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one checkpoint file for one table, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".chk" {
		t.Fatalf("expected a .chk checkpoint file, got %q", entries[0].Name())
	}

	// A second checkpoint should replace rather than accumulate alongside
	// the first (teacher's keep-only-newest retention policy).
	if err := e.Checkpoint(ckptDir); err != nil {
		t.Fatalf("second Checkpoint: %v", err)
	}
	entries, err = os.ReadDir(ckptDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected checkpoint retention to keep only the newest file, got %d", len(entries))
	}
}

func TestReopenReplaysCommittedStateOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")
	schema := intSchema(t, "widgets")

	e, err := storage.Open(path, storage.EngineOptions{WAL: wal.DefaultOptions()})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	tx, _ := e.Begin()
	if err := e.CreateTable(tx, schema, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(tx, "", "widgets", storage.Row{types.NewInteger(1), types.NewText("a")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	uncommitted, _ := e.Begin()
	if _, err := e.Insert(uncommitted, "", "widgets", storage.Row{types.NewInteger(2), types.NewText("b")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := storage.Open(path, storage.EngineOptions{WAL: wal.DefaultOptions()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	rows, err := reopened.Scan(nil, "", "widgets")
	if err != nil {
		t.Fatalf("Scan after reopen: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected only the committed row to survive reopen, got %d rows", len(rows))
	}
	if rows[0][0].Int() != 1 {
		t.Fatalf("expected surviving row to be pk 1, got %v", rows[0][0])
	}
}
