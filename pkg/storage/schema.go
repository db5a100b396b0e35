package storage

import (
	"strings"

	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/types"
)

// Column describes one field of a Schema.
type Column struct {
	Name          string
	Type          types.DataType
	Nullable      bool
	PrimaryKey    bool
	AutoIncrement bool
	Default       ast.Expr // optional, re-evaluated on every insert that omits it
	Check         ast.Expr // optional
}

// Schema is an immutable, ordered sequence of Columns plus the table's
// (optionally schema-qualified) name. Column order is part of identity and
// is never reordered by later evolution.
type Schema struct {
	SchemaName string // "" for the default/public namespace
	TableName  string
	Columns    []Column
}

func (s *Schema) QualifiedName() string {
	if s.SchemaName == "" {
		return s.TableName
	}
	return s.SchemaName + "." + s.TableName
}

func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func (s *Schema) PrimaryKeyIndex() int {
	for i, c := range s.Columns {
		if c.PrimaryKey {
			return i
		}
	}
	return -1
}

func (s *Schema) Clone() *Schema {
	cols := make([]Column, len(s.Columns))
	copy(cols, s.Columns)
	return &Schema{SchemaName: s.SchemaName, TableName: s.TableName, Columns: cols}
}

// SchemaBuilder accumulates columns and their constraints, then produces an
// immutable Schema. Invariants are enforced at build time, not per-column,
// following the teacher's constructor-then-build idiom
// (TableMetaData.NewTable, btree.NewTree).
type SchemaBuilder struct {
	schemaName string
	tableName  string
	columns    []Column
}

func NewSchemaBuilder(schemaName, tableName string) *SchemaBuilder {
	return &SchemaBuilder{schemaName: schemaName, tableName: tableName}
}

func (b *SchemaBuilder) AddWithConstraints(name string, typ types.DataType, nullable, primaryKey, autoIncrement bool, def, check ast.Expr) *SchemaBuilder {
	b.columns = append(b.columns, Column{
		Name: name, Type: typ, Nullable: nullable, PrimaryKey: primaryKey,
		AutoIncrement: autoIncrement, Default: def, Check: check,
	})
	return b
}

func (b *SchemaBuilder) Build() (*Schema, error) {
	seen := make(map[string]bool, len(b.columns))
	pkCount := 0
	for _, c := range b.columns {
		lower := strings.ToLower(c.Name)
		if seen[lower] {
			return nil, &errors.ColumnAlreadyExistsError{Table: b.tableName, Column: c.Name}
		}
		seen[lower] = true
		if c.PrimaryKey {
			pkCount++
			if c.Type != types.Integer {
				return nil, &errors.PrimaryKeyMisuseError{TableName: b.tableName, Column: c.Name, DataType: c.Type.String()}
			}
			if c.Nullable {
				return nil, &errors.PrimaryKeyMisuseError{TableName: b.tableName, Column: c.Name, DataType: "nullable " + c.Type.String()}
			}
		}
	}
	if pkCount == 0 {
		return nil, &errors.PrimarykeyNotDefinedError{TableName: b.tableName}
	}
	if pkCount > 1 {
		return nil, &errors.TwoPrimarykeysError{Total: pkCount}
	}

	cols := make([]Column, len(b.columns))
	copy(cols, b.columns)
	return &Schema{SchemaName: b.schemaName, TableName: b.tableName, Columns: cols}, nil
}
