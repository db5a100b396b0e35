package catalog_test

import (
	"path/filepath"
	"testing"

	"github.com/corvusdb/corvus/pkg/catalog"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
	"github.com/corvusdb/corvus/pkg/wal"
)

func openEngine(t *testing.T) *storage.Engine {
	t.Helper()
	dir := t.TempDir()
	engine, err := storage.Open(filepath.Join(dir, "db"), storage.EngineOptions{WAL: wal.DefaultOptions()})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestCreateAndLookupFunction(t *testing.T) {
	engine := openEngine(t)
	if err := catalog.EnsureTables(engine, nil); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	r := catalog.NewRegistry()

	def := catalog.FunctionDef{
		Name:       "double_it",
		Parameters: []catalog.Parameter{{Name: "x", Type: types.Integer}},
		ReturnType: types.Integer,
		Language:   "lua",
		Code:       "return x * 2",
	}
	if err := r.CreateFunction(engine, nil, def, false); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	got, ok := r.LookupFunction("", "double_it")
	if !ok {
		t.Fatal("expected to find double_it")
	}
	if got.Code != def.Code || got.Language != def.Language {
		t.Fatalf("unexpected function def: %+v", got)
	}

	if err := r.CreateFunction(engine, nil, def, false); err == nil {
		t.Fatal("expected FunctionAlreadyExistsError on duplicate create")
	}
	if err := r.CreateFunction(engine, nil, def, true); err != nil {
		t.Fatalf("CreateFunction with ifNotExists should be a no-op, got: %v", err)
	}

	if err := r.DropFunction(engine, nil, "", "double_it", false); err != nil {
		t.Fatalf("DropFunction: %v", err)
	}
	if _, ok := r.LookupFunction("", "double_it"); ok {
		t.Fatal("expected double_it to be gone after drop")
	}
}

func TestReplayFromStorage(t *testing.T) {
	engine := openEngine(t)
	if err := catalog.EnsureTables(engine, nil); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	r := catalog.NewRegistry()
	def := catalog.ProcedureDef{
		Schema:     "",
		Name:       "noop",
		Parameters: nil,
		Language:   "javascript",
		Code:       "",
	}
	if err := r.CreateProcedure(engine, nil, def, false); err != nil {
		t.Fatalf("CreateProcedure: %v", err)
	}

	replayed := catalog.NewRegistry()
	if err := replayed.ReplayFromStorage(engine); err != nil {
		t.Fatalf("ReplayFromStorage: %v", err)
	}
	got, ok := replayed.LookupProcedure("", "noop")
	if !ok {
		t.Fatal("expected noop procedure to survive replay")
	}
	if got.Language != "javascript" {
		t.Fatalf("unexpected language after replay: %s", got.Language)
	}
}
