package jsbackend_test

import (
	"testing"

	"github.com/corvusdb/corvus/pkg/scripting/jsbackend"
	"github.com/corvusdb/corvus/pkg/types"
)

func TestExecuteArithmetic(t *testing.T) {
	b := jsbackend.New()
	result, err := b.Execute("a + b", []types.Value{types.NewInteger(2), types.NewInteger(3)}, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Int() != 5 {
		t.Fatalf("expected 5, got %v", result)
	}
}

func TestExecutePositionalArguments(t *testing.T) {
	b := jsbackend.New()
	result, err := b.Execute("arguments[0] + arguments[1]", []types.Value{types.NewText("foo"), types.NewText("bar")}, []string{"x", "y"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.String() != "foobar" {
		t.Fatalf("expected foobar, got %v", result)
	}
}

func TestExecuteFloatResult(t *testing.T) {
	b := jsbackend.New()
	result, err := b.Execute("a / 2", []types.Value{types.NewInteger(5)}, []string{"a"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Type() != types.Float || result.Float64() != 2.5 {
		t.Fatalf("expected float 2.5, got %v", result)
	}
}

func TestValidateCodeRejectsSyntaxError(t *testing.T) {
	b := jsbackend.New()
	if err := b.ValidateCode("function(("); err == nil {
		t.Fatal("expected a compile error for malformed syntax")
	}
	if err := b.ValidateCode("1 + 1"); err != nil {
		t.Fatalf("expected valid code to validate cleanly, got: %v", err)
	}
}

type recordingDB struct {
	executed []string
}

func (r *recordingDB) Execute(sql string) (int64, error) {
	r.executed = append(r.executed, sql)
	return 1, nil
}

func (r *recordingDB) Query(sql string) ([]map[string]any, error) {
	return []map[string]any{{"id": int64(1), "name": "alice"}}, nil
}

func TestExecuteProcedureCallsDatabaseBridge(t *testing.T) {
	b := jsbackend.New()
	db := &recordingDB{}
	code := `
		db.execute("UPDATE t SET v = 1");
		var rows = db.query("SELECT * FROM t");
		if (rows[0].name !== "alice") {
			throw new Error("unexpected row");
		}
	`
	if err := b.ExecuteProcedure(code, nil, nil, db); err != nil {
		t.Fatalf("ExecuteProcedure: %v", err)
	}
	if len(db.executed) != 1 || db.executed[0] != "UPDATE t SET v = 1" {
		t.Fatalf("expected one recorded execute call, got %+v", db.executed)
	}
}

func TestFreshStateBetweenCalls(t *testing.T) {
	b := jsbackend.New()
	if _, err := b.Execute("var leaked = 42", nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, err := b.Execute("typeof leaked === 'undefined' ? null : leaked", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsNull() {
		t.Fatalf("expected no state to leak between invocations, got %v", result)
	}
}
