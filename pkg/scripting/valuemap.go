package scripting

import "github.com/corvusdb/corvus/pkg/types"

// ISOTimestamp and the rest of the Integer/Float/Text/Boolean/Json mapping
// (spec.md §4.7) are produced directly by types.Value.String() and the
// native constructors; both backends share only the one case that needs a
// common fallback: a return shape neither backend recognizes.

// JSONText wraps an already-JSON-encoded string as a Value, per spec.md's
// "unrecognized return shapes fall back to a JSON-encoded Text".
func JSONText(encoded string) types.Value {
	return types.NewText(encoded)
}
