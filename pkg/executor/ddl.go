package executor

import (
	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/catalog"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
)

func resolveType(name string) (types.DataType, error) {
	t, ok := types.ParseDataType(name)
	if !ok {
		return types.NullType, &errors.UnknownDataTypeError{Name: name}
	}
	return t, nil
}

func buildSchema(schemaName, tableName string, cols []ast.ColumnDef) (*storage.Schema, error) {
	b := storage.NewSchemaBuilder(schemaName, tableName)
	for _, c := range cols {
		t, err := resolveType(c.TypeName)
		if err != nil {
			return nil, err
		}
		b.AddWithConstraints(c.Name, t, c.Nullable, c.PrimaryKey, c.AutoIncrement, c.Default, c.Check)
	}
	return b.Build()
}

func (e *Executor) execCreateTable(s *ast.CreateTableStmt) error {
	schema, err := buildSchema(s.Schema, s.Name, s.Columns)
	if err != nil {
		return err
	}
	if err := e.engine.CreateTable(e.currentTx(), schema, s.IfNotExists); err != nil {
		return err
	}
	if s.AsSelect == nil {
		return nil
	}
	result, err := e.execSelect(s.AsSelect, nil)
	if err != nil {
		return err
	}
	tx := e.currentTx()
	for _, row := range result.Rows {
		if _, err := e.engine.Insert(tx, s.Schema, s.Name, row); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) execAlterTable(s *ast.AlterTableStmt) error {
	tx := e.currentTx()
	for _, action := range s.Actions {
		var err error
		switch a := action.(type) {
		case ast.AddColumnAction:
			var t types.DataType
			t, err = resolveType(a.Column.TypeName)
			if err == nil {
				col := storage.Column{
					Name: a.Column.Name, Type: t, Nullable: a.Column.Nullable,
					PrimaryKey: a.Column.PrimaryKey, AutoIncrement: a.Column.AutoIncrement,
					Default: a.Column.Default, Check: a.Column.Check,
				}
				if err = e.engine.AlterAddColumn(tx, s.Schema, s.Table, col); err == nil {
					err = e.backfillAddedColumn(tx, s.Schema, s.Table, col)
				}
			}
		case ast.DropColumnAction:
			err = e.engine.AlterDropColumn(tx, s.Schema, s.Table, a.Name)
		case ast.RenameColumnAction:
			err = e.engine.AlterRenameColumn(tx, s.Schema, s.Table, a.Old, a.New)
		case ast.ModifyColumnAction:
			var t types.DataType
			t, err = resolveType(a.TypeName)
			if err == nil {
				err = e.engine.AlterModifyColumn(tx, s.Schema, s.Table, a.Name, t, a.Nullable)
			}
		case ast.RenameTableAction:
			err = e.engine.RenameTable(tx, s.Schema, s.Table, a.NewName)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// backfillAddedColumn materializes col's DEFAULT into every row already
// visible to tx immediately after ADD COLUMN appends it to the schema, so
// the new column reads as D rather than NULL for pre-existing rows as soon
// as the statement commits — AlterAddColumn itself only touches the schema
// descriptor, never the rows already on the heap.
func (e *Executor) backfillAddedColumn(tx *storage.Transaction, schemaName, tableName string, col storage.Column) error {
	if col.Default == nil {
		return nil
	}
	tbl, ok := e.engine.Table(schemaName, tableName)
	if !ok {
		return &errors.TableNotFoundError{Name: tableName}
	}
	colIdx := tbl.Schema.ColumnIndex(col.Name)
	if colIdx < 0 {
		return &errors.ColumnNotFoundError{Table: tableName, Column: col.Name}
	}
	pkIdx := tbl.Schema.PrimaryKeyIndex()

	value, err := eval(col.Default, &rowEnv{}, e.resolveUDF)
	if err != nil {
		return err
	}
	rows, err := e.engine.Scan(tx, schemaName, tableName)
	if err != nil {
		return err
	}
	for _, row := range rows {
		updated := row.Clone()
		updated[colIdx] = value
		if err := e.engine.Update(tx, schemaName, tableName, updated[pkIdx].Int(), updated); err != nil {
			return err
		}
	}
	return nil
}

func toParameters(params []ast.Param) ([]catalog.Parameter, error) {
	out := make([]catalog.Parameter, len(params))
	for i, p := range params {
		t, err := resolveType(p.TypeName)
		if err != nil {
			return nil, err
		}
		out[i] = catalog.Parameter{Name: p.Name, Type: t}
	}
	return out, nil
}

// execCreateFunction validates the backend (spec.md §4.7's "Validation is
// invoked at CREATE FUNCTION time if the backend supports it; failure
// rejects the DDL") then registers the function. pkg/ast has no distinct
// IfNotExists flag for functions/procedures, only OrReplace; corvus treats
// OrReplace as suppressing the already-exists error, same observable
// no-op-on-repeat behavior spec.md §4.8 asks for.
func (e *Executor) execCreateFunction(s *ast.CreateFunctionStmt) error {
	backend, err := e.backends.GetBackend(s.Language)
	if err != nil {
		return err
	}
	if err := backend.ValidateCode(s.Code); err != nil {
		return err
	}
	params, err := toParameters(s.Params)
	if err != nil {
		return err
	}
	retType, err := resolveType(s.ReturnType)
	if err != nil {
		return err
	}
	def := catalog.FunctionDef{
		Schema: s.Schema, Name: s.Name, Parameters: params,
		ReturnType: retType, Language: s.Language, Code: s.Code,
	}
	return e.registry.CreateFunction(e.engine, e.currentTx(), def, s.OrReplace)
}

func (e *Executor) execCreateProcedure(s *ast.CreateProcedureStmt) error {
	backend, err := e.backends.GetBackend(s.Language)
	if err != nil {
		return err
	}
	if err := backend.ValidateCode(s.Code); err != nil {
		return err
	}
	params, err := toParameters(s.Params)
	if err != nil {
		return err
	}
	def := catalog.ProcedureDef{
		Schema: s.Schema, Name: s.Name, Parameters: params,
		Language: s.Language, Code: s.Code,
	}
	return e.registry.CreateProcedure(e.engine, e.currentTx(), def, s.OrReplace)
}
