// Package scripting defines the plug-in contract for embedded scripting
// languages: the Backend capability set, the registry that resolves a
// language name to a Backend, and the narrow DatabaseOps bridge a procedure
// body uses to re-enter the database under its caller's transaction.
//
// The teacher ships no scripting host of its own (it is a single-purpose
// storage engine); this package and its luabackend/jsbackend children are
// new, grounded on the dependency choices recorded in DESIGN.md rather than
// on teacher code.
package scripting

import (
	"strings"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/types"
)

// DatabaseOps is the bridge exposed to a running procedure so it can issue
// SQL under the transaction that invoked it. Execute returns the
// affected-row count (DML) or zero (DDL); Query returns each result row as
// a column-name-keyed map.
type DatabaseOps interface {
	Execute(sql string) (int64, error)
	Query(sql string) ([]map[string]any, error)
}

// Backend is one embedded scripting language's implementation of the
// ScriptingBackend contract (spec.md §4.7): scalar evaluation for
// user-defined functions, procedure execution with database access, and
// optional source validation at CREATE FUNCTION/PROCEDURE time.
//
// A Backend must create an isolated runtime per Execute/ExecuteProcedure
// call — no state may leak between invocations.
type Backend interface {
	// Name identifies the backend itself, e.g. "lua" or "javascript".
	Name() string

	// SupportedLanguages lists every language alias this backend answers
	// to when registered (case-insensitively matched by the registry).
	SupportedLanguages() []string

	// Execute evaluates code as a scalar expression for a user-defined
	// function and returns its result.
	Execute(code string, args []types.Value, paramNames []string) (types.Value, error)

	// ExecuteProcedure runs code as a procedure body with database access
	// bound through db.
	ExecuteProcedure(code string, args []types.Value, paramNames []string, db DatabaseOps) error

	// ValidateCode reports whether code is syntactically valid for this
	// backend without executing it. A backend that cannot validate without
	// running should still implement this as a best-effort compile check.
	ValidateCode(code string) error
}

// BackendRegistry maps a language identifier to the Backend that handles
// it. It is built once at engine open and is immutable thereafter (spec.md
// §4.7: "constructed at engine open and is immutable thereafter") — no
// mutex is needed because there is no mutation path after construction.
type BackendRegistry struct {
	byLanguage map[string]Backend
}

// NewBackendRegistry indexes each backend under every language alias it
// declares via SupportedLanguages. A later backend silently overrides an
// earlier one registered under the same alias.
func NewBackendRegistry(backends ...Backend) *BackendRegistry {
	r := &BackendRegistry{byLanguage: make(map[string]Backend)}
	for _, b := range backends {
		for _, lang := range b.SupportedLanguages() {
			r.byLanguage[strings.ToLower(lang)] = b
		}
	}
	return r
}

// GetBackend resolves language case-insensitively, failing with
// UnsupportedLanguageError per spec.md §4.7 step 3.
func (r *BackendRegistry) GetBackend(language string) (Backend, error) {
	b, ok := r.byLanguage[strings.ToLower(language)]
	if !ok {
		return nil, &errors.UnsupportedLanguageError{Language: language}
	}
	return b, nil
}

// Languages lists every language alias currently registered, in map
// iteration order (unsorted, and not stable between calls).
func (r *BackendRegistry) Languages() []string {
	out := make([]string, 0, len(r.byLanguage))
	for lang := range r.byLanguage {
		out = append(out, lang)
	}
	return out
}
