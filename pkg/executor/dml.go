package executor

import (
	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
)

// buildRow assembles one full schema-ordered row from a column-name list
// and the matching per-column expressions, filling any column left
// unspecified from its DEFAULT expression (or NULL, letting
// storage.Engine.Insert enforce NOT NULL).
func buildRow(schema *storage.Schema, columns []string, exprs []ast.Expr, params []types.Value, resolveFn func(string, []types.Value) (types.Value, error)) (storage.Row, error) {
	names := columns
	if len(names) == 0 {
		names = make([]string, len(schema.Columns))
		for i, c := range schema.Columns {
			names[i] = c.Name
		}
	}
	if len(names) != len(exprs) {
		return nil, &errors.InvalidArgumentError{Detail: "column count does not match value count"}
	}

	row := make(storage.Row, len(schema.Columns))
	specified := make([]bool, len(schema.Columns))
	env := &rowEnv{params: params}
	for i, name := range names {
		idx := schema.ColumnIndex(name)
		if idx < 0 {
			return nil, &errors.ColumnNotFoundError{Table: schema.TableName, Column: name}
		}
		v, err := eval(exprs[i], env, resolveFn)
		if err != nil {
			return nil, err
		}
		row[idx] = v
		specified[idx] = true
	}
	for i, c := range schema.Columns {
		if specified[i] {
			continue
		}
		if c.Default != nil {
			v, err := eval(c.Default, env, resolveFn)
			if err != nil {
				return nil, err
			}
			row[i] = v
			continue
		}
		row[i] = types.NewNull(c.Type)
	}
	return row, nil
}

func (e *Executor) execInsert(s *ast.InsertStmt, params []types.Value) (int64, error) {
	tbl, ok := e.engine.Table("", s.Table)
	if !ok {
		return 0, &errors.TableNotFoundError{Name: s.Table}
	}
	tx := e.currentTx()

	if s.Select != nil {
		result, err := e.execSelect(s.Select, params)
		if err != nil {
			return 0, err
		}
		names := s.Columns
		if len(names) == 0 {
			names = result.Columns
		}
		var count int64
		for _, srcRow := range result.Rows {
			exprs := make([]ast.Expr, len(srcRow))
			for i, v := range srcRow {
				exprs[i] = ast.LiteralExpr{Value: v}
			}
			row, err := buildRow(tbl.Schema, names, exprs, nil, e.resolveUDF)
			if err != nil {
				return count, err
			}
			if _, err := e.engine.Insert(tx, "", s.Table, row); err != nil {
				return count, err
			}
			count++
		}
		return count, nil
	}

	var count int64
	for _, values := range s.Values {
		row, err := buildRow(tbl.Schema, s.Columns, values, params, e.resolveUDF)
		if err != nil {
			return count, err
		}
		if _, err := e.engine.Insert(tx, "", s.Table, row); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (e *Executor) execUpdate(s *ast.UpdateStmt, params []types.Value) (int64, error) {
	tbl, ok := e.engine.Table("", s.Table)
	if !ok {
		return 0, &errors.TableNotFoundError{Name: s.Table}
	}
	tx := e.currentTx()
	bindings := make([]boundColumn, len(tbl.Schema.Columns))
	for i, c := range tbl.Schema.Columns {
		bindings[i] = boundColumn{Table: s.Table, Name: c.Name}
	}

	rows, err := e.engine.Scan(tx, "", s.Table)
	if err != nil {
		return 0, err
	}
	pkIdx := tbl.Schema.PrimaryKeyIndex()

	var count int64
	for _, row := range rows {
		env := &rowEnv{cols: bindings, values: row, params: params}
		if s.Where != nil {
			v, err := eval(s.Where, env, e.resolveUDF)
			if err != nil {
				return count, err
			}
			if !truthy(v) {
				continue
			}
		}
		newRow := row.Clone()
		for _, set := range s.Set {
			idx := tbl.Schema.ColumnIndex(set.Column)
			if idx < 0 {
				return count, &errors.ColumnNotFoundError{Table: s.Table, Column: set.Column}
			}
			v, err := eval(set.Value, env, e.resolveUDF)
			if err != nil {
				return count, err
			}
			newRow[idx] = v
		}
		if err := e.engine.Update(tx, "", s.Table, row[pkIdx].Int(), newRow); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (e *Executor) execDelete(s *ast.DeleteStmt, params []types.Value) (int64, error) {
	tbl, ok := e.engine.Table("", s.Table)
	if !ok {
		return 0, &errors.TableNotFoundError{Name: s.Table}
	}
	tx := e.currentTx()
	bindings := make([]boundColumn, len(tbl.Schema.Columns))
	for i, c := range tbl.Schema.Columns {
		bindings[i] = boundColumn{Table: s.Table, Name: c.Name}
	}

	rows, err := e.engine.Scan(tx, "", s.Table)
	if err != nil {
		return 0, err
	}
	pkIdx := tbl.Schema.PrimaryKeyIndex()

	var count int64
	for _, row := range rows {
		env := &rowEnv{cols: bindings, values: row, params: params}
		if s.Where != nil {
			v, err := eval(s.Where, env, e.resolveUDF)
			if err != nil {
				return count, err
			}
			if !truthy(v) {
				continue
			}
		}
		if err := e.engine.Delete(tx, "", s.Table, row[pkIdx].Int()); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
