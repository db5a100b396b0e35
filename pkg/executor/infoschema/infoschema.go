// Package infoschema materializes the information_schema virtual relations
// spec.md §4.9 requires, on demand from live engine/registry state. Nothing
// here is cached: every call walks storage.Engine and catalog.Registry
// directly, so a relation always reflects the catalog as of the moment it
// is queried.
package infoschema

import (
	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/catalog"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
)

const catalogName = "corvus"

func schemaOf(name string) string {
	if name == "" {
		return "public"
	}
	return name
}

// Relation materializes one information_schema relation by name, returning
// its column list and rows.
func Relation(engine *storage.Engine, registry *catalog.Registry, name string) ([]string, []storage.Row, error) {
	switch name {
	case "tables":
		return tables(engine)
	case "columns":
		return columns(engine)
	case "views":
		return views(engine)
	case "statistics":
		return statistics(engine)
	case "functions":
		return functions(registry)
	case "routines":
		return routines(registry)
	case "sequences":
		return sequences()
	default:
		return nil, nil, &errors.TableNotFoundError{Name: "information_schema." + name}
	}
}

func tables(engine *storage.Engine) ([]string, []storage.Row, error) {
	cols := []string{"table_catalog", "table_schema", "table_name", "table_type"}
	var rows []storage.Row
	for name, tbl := range engine.Tables() {
		_ = name
		rows = append(rows, storage.Row{
			types.NewText(catalogName),
			types.NewText(schemaOf(tbl.Schema.SchemaName)),
			types.NewText(tbl.Schema.TableName),
			types.NewText("BASE TABLE"),
		})
	}
	for _, v := range engine.Views() {
		rows = append(rows, storage.Row{
			types.NewText(catalogName),
			types.NewText("public"),
			types.NewText(v.OriginalName),
			types.NewText("VIEW"),
		})
	}
	return cols, rows, nil
}

func columnDefault(c storage.Column) types.Value {
	if c.Default == nil {
		return types.NewNull(types.Text)
	}
	if lit, ok := c.Default.(ast.LiteralExpr); ok {
		return types.NewText(lit.Value.String())
	}
	return types.NewText("<expression>")
}

func columns(engine *storage.Engine) ([]string, []storage.Row, error) {
	cols := []string{
		"table_catalog", "table_schema", "table_name", "column_name",
		"ordinal_position", "column_default", "is_nullable", "data_type",
		"character_maximum_length", "numeric_precision", "numeric_scale",
	}
	var rows []storage.Row
	for _, tbl := range engine.Tables() {
		for i, c := range tbl.Schema.Columns {
			charLen := types.NewNull(types.Integer)
			var numPrec, numScale types.Value
			if c.Type == types.Integer || c.Type == types.Float {
				numPrec = types.NewInteger(64)
				numScale = types.NewInteger(0)
			} else {
				numPrec = types.NewNull(types.Integer)
				numScale = types.NewNull(types.Integer)
			}
			rows = append(rows, storage.Row{
				types.NewText(catalogName),
				types.NewText(schemaOf(tbl.Schema.SchemaName)),
				types.NewText(tbl.Schema.TableName),
				types.NewText(c.Name),
				types.NewInteger(int64(i + 1)),
				columnDefault(c),
				types.NewBoolean(c.Nullable),
				types.NewText(c.Type.String()),
				charLen, numPrec, numScale,
			})
		}
	}
	return cols, rows, nil
}

func views(engine *storage.Engine) ([]string, []storage.Row, error) {
	cols := []string{"table_catalog", "table_schema", "table_name", "view_definition"}
	var rows []storage.Row
	for _, v := range engine.Views() {
		rows = append(rows, storage.Row{
			types.NewText(catalogName),
			types.NewText("public"),
			types.NewText(v.OriginalName),
			types.NewText(v.QueryText),
		})
	}
	return cols, rows, nil
}

func statistics(engine *storage.Engine) ([]string, []storage.Row, error) {
	cols := []string{
		"table_catalog", "table_schema", "table_name", "index_name",
		"seq_in_index", "column_name", "non_unique", "index_type",
	}
	var rows []storage.Row
	for _, tbl := range engine.Tables() {
		for _, idx := range tbl.Indexes() {
			for i, colName := range idx.Columns() {
				nonUnique := int64(1)
				if idx.Unique() {
					nonUnique = 0
				}
				rows = append(rows, storage.Row{
					types.NewText(catalogName),
					types.NewText(schemaOf(tbl.Schema.SchemaName)),
					types.NewText(tbl.Schema.TableName),
					types.NewText(idx.Name()),
					types.NewInteger(int64(i + 1)),
					types.NewText(colName),
					types.NewInteger(nonUnique),
					types.NewText(idx.Type().String()),
				})
			}
		}
	}
	return cols, rows, nil
}

func functions(registry *catalog.Registry) ([]string, []storage.Row, error) {
	cols := []string{"function_catalog", "function_schema", "function_name", "function_type", "data_type", "is_deterministic"}
	var rows []storage.Row
	for _, f := range registry.Functions() {
		rows = append(rows, storage.Row{
			types.NewText(catalogName),
			types.NewText(schemaOf(f.Schema)),
			types.NewText(f.Name),
			types.NewText("SCALAR"),
			types.NewText(f.ReturnType.String()),
			types.NewBoolean(f.Deterministic),
		})
	}
	return cols, rows, nil
}

func routines(registry *catalog.Registry) ([]string, []storage.Row, error) {
	cols := []string{
		"routine_catalog", "routine_schema", "routine_name", "specific_name",
		"routine_type", "data_type", "routine_definition",
	}
	var rows []storage.Row
	for _, f := range registry.Functions() {
		rows = append(rows, storage.Row{
			types.NewText(catalogName),
			types.NewText(schemaOf(f.Schema)),
			types.NewText(f.Name),
			types.NewText(f.Name),
			types.NewText("FUNCTION"),
			types.NewText(f.ReturnType.String()),
			types.NewText(f.Code),
		})
	}
	for _, p := range registry.Procedures() {
		rows = append(rows, storage.Row{
			types.NewText(catalogName),
			types.NewText(schemaOf(p.Schema)),
			types.NewText(p.Name),
			types.NewText(p.Name),
			types.NewText("PROCEDURE"),
			types.NewNull(types.Text),
			types.NewText(p.Code),
		})
	}
	return cols, rows, nil
}

// sequences is always empty: spec.md's explicit non-goals exclude
// sequences, so this relation exists only to satisfy information_schema's
// required surface.
func sequences() ([]string, []storage.Row, error) {
	cols := []string{"sequence_catalog", "sequence_schema", "sequence_name", "data_type", "start_value", "increment"}
	return cols, nil, nil
}
