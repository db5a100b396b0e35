package executor

import (
	"sort"

	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/executor/infoschema"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
)

// execShow answers SHOW TABLES, VIEWS, FUNCTIONS and PROCEDURES from the
// matching information_schema relation, per spec.md §4.5's "SHOW/DESCRIBE —
// rewritten internally into SELECTs against information_schema virtual
// tables". SHOW INDEXES and SHOW CREATE TABLE/VIEW read the engine's table
// and view state directly.
func (e *Executor) execShow(s *ast.ShowStmt) (*QueryResult, error) {
	switch s.Kind {
	case ast.ShowTables:
		return e.showRelationNames("tables", "table_name")
	case ast.ShowViews:
		return e.showRelationNames("views", "table_name")
	case ast.ShowFunctions:
		return e.showRelationNames("functions", "function_name")
	case ast.ShowProcedures:
		return e.showRoutines("PROCEDURE")
	case ast.ShowIndexes:
		return e.showIndexes(s.Target)
	case ast.ShowCreateTable:
		return e.showCreateTable(s.Target)
	case ast.ShowCreateView:
		return e.showCreateView(s.Target)
	default:
		return nil, &errors.InvalidArgumentError{Detail: "unsupported SHOW kind"}
	}
}

func (e *Executor) showRelationNames(relation, nameCol string) (*QueryResult, error) {
	cols, rows, err := infoschema.Relation(e.engine, e.registry, relation)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, c := range cols {
		if c == nameCol {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, &errors.ColumnNotFoundError{Table: relation, Column: nameCol}
	}
	out := make([]storage.Row, len(rows))
	for i, r := range rows {
		out[i] = storage.Row{r[idx]}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0].String() < out[j][0].String() })
	return &QueryResult{Columns: []string{nameCol}, Rows: out}, nil
}

func (e *Executor) showRoutines(kind string) (*QueryResult, error) {
	cols, rows, err := infoschema.Relation(e.engine, e.registry, "routines")
	if err != nil {
		return nil, err
	}
	typeIdx, nameIdx := -1, -1
	for i, c := range cols {
		switch c {
		case "routine_type":
			typeIdx = i
		case "routine_name":
			nameIdx = i
		}
	}
	var out []storage.Row
	for _, r := range rows {
		if r[typeIdx].String() == kind {
			out = append(out, storage.Row{r[nameIdx]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0].String() < out[j][0].String() })
	return &QueryResult{Columns: []string{"routine_name"}, Rows: out}, nil
}

func (e *Executor) showIndexes(table string) (*QueryResult, error) {
	tbl, ok := e.engine.Table("", table)
	if !ok {
		return nil, &errors.TableNotFoundError{Name: table}
	}
	var rows []storage.Row
	for _, idx := range tbl.Indexes() {
		nonUnique := int64(1)
		if idx.Unique() {
			nonUnique = 0
		}
		for _, col := range idx.Columns() {
			rows = append(rows, storage.Row{
				types.NewText(idx.Name()),
				types.NewText(col),
				types.NewInteger(nonUnique),
				types.NewText(idx.Type().String()),
			})
		}
	}
	return &QueryResult{Columns: []string{"index_name", "column_name", "non_unique", "index_type"}, Rows: rows}, nil
}

func (e *Executor) showCreateTable(table string) (*QueryResult, error) {
	tbl, ok := e.engine.Table("", table)
	if !ok {
		return nil, &errors.TableNotFoundError{Name: table}
	}
	return &QueryResult{
		Columns: []string{"table", "create_statement"},
		Rows:    []storage.Row{{types.NewText(table), types.NewText(renderCreateTable(tbl.Schema))}},
	}, nil
}

func (e *Executor) showCreateView(name string) (*QueryResult, error) {
	v, ok := e.engine.View(name)
	if !ok {
		return nil, &errors.ViewNotFoundError{Name: name}
	}
	stmt := "CREATE VIEW " + v.OriginalName + " AS " + v.QueryText
	return &QueryResult{
		Columns: []string{"view", "create_statement"},
		Rows:    []storage.Row{{types.NewText(v.OriginalName), types.NewText(stmt)}},
	}, nil
}

func renderCreateTable(schema *storage.Schema) string {
	out := "CREATE TABLE " + schema.QualifiedName() + " ("
	for i, c := range schema.Columns {
		if i > 0 {
			out += ", "
		}
		out += c.Name + " " + c.Type.String()
		if c.PrimaryKey {
			out += " PRIMARY KEY"
		}
		if !c.Nullable && !c.PrimaryKey {
			out += " NOT NULL"
		}
		if c.AutoIncrement {
			out += " AUTO_INCREMENT"
		}
	}
	return out + ")"
}

// execDescribe reports one row per column of the named table, mirroring a
// DESCRIBE/DESC against information_schema.columns filtered to that table.
func (e *Executor) execDescribe(s *ast.DescribeStmt) (*QueryResult, error) {
	tbl, ok := e.engine.Table("", s.Name)
	if !ok {
		return nil, &errors.TableNotFoundError{Name: s.Name}
	}
	cols := []string{"column_name", "data_type", "is_nullable", "column_key", "column_default"}
	rows := make([]storage.Row, len(tbl.Schema.Columns))
	for i, c := range tbl.Schema.Columns {
		key := ""
		if c.PrimaryKey {
			key = "PRI"
		}
		rows[i] = storage.Row{
			types.NewText(c.Name),
			types.NewText(c.Type.String()),
			types.NewBoolean(c.Nullable),
			types.NewText(key),
			columnDefaultValue(c),
		}
	}
	return &QueryResult{Columns: cols, Rows: rows}, nil
}

func columnDefaultValue(c storage.Column) types.Value {
	if c.Default == nil {
		return types.NewNull(types.Text)
	}
	if lit, ok := c.Default.(ast.LiteralExpr); ok {
		return types.NewText(lit.Value.String())
	}
	return types.NewText("<expression>")
}
