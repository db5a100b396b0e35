// Package catalog persists user-defined function and procedure
// definitions and keeps an in-memory registry of them, per spec.md §4.8.
// There is no bespoke system-table storage path: _sys_functions and
// _sys_procedures are ordinary storage.Table instances, written and read
// through the same storage.Engine operations any user table goes through.
package catalog

import (
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
)

const (
	functionsTable  = "_sys_functions"
	proceduresTable = "_sys_procedures"
)

// Parameter is one formal parameter of a function or procedure.
type Parameter struct {
	Name string
	Type types.DataType
}

// FunctionDef is a registered user-defined scalar function.
type FunctionDef struct {
	Schema        string
	Name          string
	Parameters    []Parameter
	ReturnType    types.DataType
	Language      string
	Code          string
	Deterministic bool
}

// ProcedureDef is a registered stored procedure.
type ProcedureDef struct {
	Schema     string
	Name       string
	Parameters []Parameter
	Language   string
	Code       string
}

func qualify(schema, name string) string {
	if schema == "" {
		schema = "public"
	}
	return schema + "." + name
}

// Registry holds the in-memory function/procedure definitions, kept in
// sync with the _sys_functions/_sys_procedures tables. A single Registry
// is shared by every connection against one Engine, matching the teacher's
// mutex-guarded shared-registry idiom.
type Registry struct {
	mu         sync.RWMutex
	functions  map[string]*FunctionDef
	procedures map[string]*ProcedureDef
}

func NewRegistry() *Registry {
	return &Registry{
		functions:  make(map[string]*FunctionDef),
		procedures: make(map[string]*ProcedureDef),
	}
}

// EnsureTables creates _sys_functions and _sys_procedures if they don't
// already exist. Called once at engine open, before ReplayFromStorage.
func EnsureTables(engine *storage.Engine, tx *storage.Transaction) error {
	funcSchema, err := storage.NewSchemaBuilder("", functionsTable).
		AddWithConstraints("id", types.Integer, false, true, true, nil, nil).
		AddWithConstraints("schema_name", types.Text, false, false, false, nil, nil).
		AddWithConstraints("name", types.Text, false, false, false, nil, nil).
		AddWithConstraints("parameters", types.Json, false, false, false, nil, nil).
		AddWithConstraints("return_type", types.Text, false, false, false, nil, nil).
		AddWithConstraints("language", types.Text, false, false, false, nil, nil).
		AddWithConstraints("code", types.Text, false, false, false, nil, nil).
		AddWithConstraints("deterministic", types.Boolean, false, false, false, nil, nil).
		Build()
	if err != nil {
		return err
	}
	if err := engine.CreateTable(tx, funcSchema, true); err != nil {
		return err
	}

	procSchema, err := storage.NewSchemaBuilder("", proceduresTable).
		AddWithConstraints("id", types.Integer, false, true, true, nil, nil).
		AddWithConstraints("schema_name", types.Text, false, false, false, nil, nil).
		AddWithConstraints("name", types.Text, false, false, false, nil, nil).
		AddWithConstraints("parameters", types.Json, false, false, false, nil, nil).
		AddWithConstraints("language", types.Text, false, false, false, nil, nil).
		AddWithConstraints("code", types.Text, false, false, false, nil, nil).
		Build()
	if err != nil {
		return err
	}
	return engine.CreateTable(tx, procSchema, true)
}

func encodeParameters(params []Parameter) (string, error) {
	docs := make(bson.A, len(params))
	for i, p := range params {
		docs[i] = bson.D{{Key: "name", Value: p.Name}, {Key: "type", Value: int32(p.Type)}}
	}
	data, err := bson.MarshalExtJSON(docs, false, false)
	if err != nil {
		return "", &errors.CorruptionError{Detail: err.Error()}
	}
	return string(data), nil
}

func decodeParameters(encoded string) ([]Parameter, error) {
	var docs []bson.M
	if err := bson.UnmarshalExtJSON([]byte(encoded), false, &docs); err != nil {
		return nil, &errors.CorruptionError{Detail: err.Error()}
	}
	out := make([]Parameter, len(docs))
	for i, d := range docs {
		name, _ := d["name"].(string)
		var typ types.DataType
		switch n := d["type"].(type) {
		case int32:
			typ = types.DataType(n)
		case int64:
			typ = types.DataType(n)
		case float64:
			typ = types.DataType(int32(n))
		}
		out[i] = Parameter{Name: name, Type: typ}
	}
	return out, nil
}

// CreateFunction inserts a row into _sys_functions and registers def
// in-memory. ifNotExists makes an existing function by the same qualified
// name a no-op rather than FunctionAlreadyExistsError (spec.md §4.8).
func (r *Registry) CreateFunction(engine *storage.Engine, tx *storage.Transaction, def FunctionDef, ifNotExists bool) error {
	key := qualify(def.Schema, def.Name)

	r.mu.Lock()
	if _, exists := r.functions[key]; exists {
		r.mu.Unlock()
		if ifNotExists {
			return nil
		}
		return &errors.FunctionAlreadyExistsError{Name: def.Name}
	}
	r.mu.Unlock()

	params, err := encodeParameters(def.Parameters)
	if err != nil {
		return err
	}
	row := storage.Row{
		types.NewNull(types.Integer), // id: auto-increment
		types.NewText(def.Schema),
		types.NewText(def.Name),
		types.NewJson(params),
		types.NewText(def.ReturnType.String()),
		types.NewText(def.Language),
		types.NewText(def.Code),
		types.NewBoolean(def.Deterministic),
	}
	if _, err := engine.Insert(tx, "", functionsTable, row); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := def
	r.functions[key] = &d
	return nil
}

// DropFunction removes the row and unregisters the function.
func (r *Registry) DropFunction(engine *storage.Engine, tx *storage.Transaction, schema, name string, ifExists bool) error {
	key := qualify(schema, name)
	r.mu.Lock()
	if _, exists := r.functions[key]; !exists {
		r.mu.Unlock()
		if ifExists {
			return nil
		}
		return &errors.FunctionNotFoundError{Name: name}
	}
	r.mu.Unlock()

	if err := deleteSysRow(engine, tx, functionsTable, schema, name); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.functions, key)
	r.mu.Unlock()
	return nil
}

// LookupFunction resolves a function by schema-qualified name,
// case-sensitively as stored (callers normalize case before calling in).
func (r *Registry) LookupFunction(schema, name string) (*FunctionDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.functions[qualify(schema, name)]
	return def, ok
}

// Functions returns every registered function, for information_schema.
func (r *Registry) Functions() []*FunctionDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FunctionDef, 0, len(r.functions))
	for _, d := range r.functions {
		out = append(out, d)
	}
	return out
}

// CreateProcedure mirrors CreateFunction for _sys_procedures.
func (r *Registry) CreateProcedure(engine *storage.Engine, tx *storage.Transaction, def ProcedureDef, ifNotExists bool) error {
	key := qualify(def.Schema, def.Name)

	r.mu.Lock()
	if _, exists := r.procedures[key]; exists {
		r.mu.Unlock()
		if ifNotExists {
			return nil
		}
		return &errors.ProcedureAlreadyExistsError{Schema: def.Schema, Name: def.Name}
	}
	r.mu.Unlock()

	params, err := encodeParameters(def.Parameters)
	if err != nil {
		return err
	}
	row := storage.Row{
		types.NewNull(types.Integer),
		types.NewText(def.Schema),
		types.NewText(def.Name),
		types.NewJson(params),
		types.NewText(def.Language),
		types.NewText(def.Code),
	}
	if _, err := engine.Insert(tx, "", proceduresTable, row); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := def
	r.procedures[key] = &d
	return nil
}

// DropProcedure mirrors DropFunction for _sys_procedures.
func (r *Registry) DropProcedure(engine *storage.Engine, tx *storage.Transaction, schema, name string, ifExists bool) error {
	key := qualify(schema, name)
	r.mu.Lock()
	if _, exists := r.procedures[key]; !exists {
		r.mu.Unlock()
		if ifExists {
			return nil
		}
		return &errors.ProcedureNotFoundError{Name: name}
	}
	r.mu.Unlock()

	if err := deleteSysRow(engine, tx, proceduresTable, schema, name); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.procedures, key)
	r.mu.Unlock()
	return nil
}

// LookupProcedure resolves a procedure by schema-qualified name.
func (r *Registry) LookupProcedure(schema, name string) (*ProcedureDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.procedures[qualify(schema, name)]
	return def, ok
}

// Procedures returns every registered procedure, for information_schema.
func (r *Registry) Procedures() []*ProcedureDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ProcedureDef, 0, len(r.procedures))
	for _, d := range r.procedures {
		out = append(out, d)
	}
	return out
}

// deleteSysRow scans the given system table for the row matching
// (schema_name, name) and deletes it by primary key. These tables are
// small (one row per registered function/procedure), so a linear scan is
// the whole implementation rather than a dedicated lookup index.
func deleteSysRow(engine *storage.Engine, tx *storage.Transaction, table, schema, name string) error {
	rows, err := engine.Scan(tx, "", table)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row[1].String() == schema && row[2].String() == name {
			return engine.Delete(tx, "", table, row[0].Int())
		}
	}
	return nil
}

// ReplayFromStorage loads every row of _sys_functions and _sys_procedures
// into the registry, binding each to langs so information_schema and
// CALL/SELECT can resolve them without re-parsing. A function or
// procedure whose language is no longer supported by langs is still
// loaded (spec.md §4.8: "recorded as present but becomes an error on
// invocation") — resolution against the backend registry happens lazily
// at call time, not here.
func (r *Registry) ReplayFromStorage(engine *storage.Engine) error {
	if _, ok := engine.Table("", functionsTable); ok {
		rows, err := engine.Scan(nil, "", functionsTable)
		if err != nil {
			return err
		}
		for _, row := range rows {
			params, err := decodeParameters(row[3].String())
			if err != nil {
				return err
			}
			retType, _ := types.ParseDataType(row[4].String())
			def := FunctionDef{
				Schema: row[1].String(), Name: row[2].String(),
				Parameters: params, ReturnType: retType,
				Language: row[5].String(), Code: row[6].String(),
				Deterministic: row[7].Bool(),
			}
			r.mu.Lock()
			r.functions[qualify(def.Schema, def.Name)] = &def
			r.mu.Unlock()
		}
	}

	if _, ok := engine.Table("", proceduresTable); ok {
		rows, err := engine.Scan(nil, "", proceduresTable)
		if err != nil {
			return err
		}
		for _, row := range rows {
			params, err := decodeParameters(row[3].String())
			if err != nil {
				return err
			}
			def := ProcedureDef{
				Schema: row[1].String(), Name: row[2].String(),
				Parameters: params, Language: row[4].String(), Code: row[5].String(),
			}
			r.mu.Lock()
			r.procedures[qualify(def.Schema, def.Name)] = &def
			r.mu.Unlock()
		}
	}
	return nil
}
