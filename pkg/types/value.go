// Package types defines the tagged value and data-type model shared by the
// storage engine, the index layer, and the SQL executor.
package types

import (
	"fmt"
	"strings"
	"time"
)

// DataType is the closed set of column types the engine understands. A SQL
// type name is always resolved into one of these before it reaches storage.
type DataType int

const (
	Integer DataType = iota
	Float
	Text
	Boolean
	Timestamp
	Json
	NullType
)

func (d DataType) String() string {
	switch d {
	case Integer:
		return "INTEGER"
	case Float:
		return "FLOAT"
	case Text:
		return "TEXT"
	case Boolean:
		return "BOOLEAN"
	case Timestamp:
		return "TIMESTAMP"
	case Json:
		return "JSON"
	case NullType:
		return "NULL"
	default:
		return "UNKNOWN"
	}
}

// ParseDataType resolves a SQL type name (including the common aliases) into
// the closed DataType set. Width/precision specifiers such as VARCHAR(255)
// are accepted and ignored beyond establishing the base type.
func ParseDataType(name string) (DataType, bool) {
	base := name
	if idx := strings.IndexByte(base, '('); idx >= 0 {
		base = base[:idx]
	}
	switch strings.ToUpper(strings.TrimSpace(base)) {
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "SERIAL":
		return Integer, true
	case "FLOAT", "DOUBLE", "DOUBLE PRECISION", "REAL", "NUMERIC", "DECIMAL":
		return Float, true
	case "TEXT", "VARCHAR", "CHAR", "STRING", "BLOB":
		return Text, true
	case "BOOL", "BOOLEAN":
		return Boolean, true
	case "TIMESTAMP", "TIMESTAMPTZ", "DATE", "DATETIME":
		return Timestamp, true
	case "JSON", "JSONB":
		return Json, true
	default:
		return NullType, false
	}
}

// Value is the tagged sum type every row column and bound parameter carries.
// A Null value still records the column's declared type so that coercion and
// round-tripping (insert -> select) behave correctly.
type Value struct {
	typ       DataType
	i         int64
	f         float64
	b         bool
	t         time.Time
	s         string // shared storage for Text and Json
	isNull    bool
	nullOfTyp DataType
}

func NewInteger(v int64) Value       { return Value{typ: Integer, i: v} }
func NewFloat(v float64) Value       { return Value{typ: Float, f: v} }
func NewText(v string) Value         { return Value{typ: Text, s: v} }
func NewBoolean(v bool) Value        { return Value{typ: Boolean, b: v} }
func NewTimestamp(v time.Time) Value { return Value{typ: Timestamp, t: v.UTC()} }
func NewJson(v string) Value         { return Value{typ: Json, s: v} }

// NewNull builds a typed null. declaredType is the column's logical type,
// used by coercion and by round-trip equality checks.
func NewNull(declaredType DataType) Value {
	return Value{typ: NullType, isNull: true, nullOfTyp: declaredType}
}

func (v Value) Type() DataType { return v.typ }
func (v Value) IsNull() bool   { return v.isNull }

// NullOfType returns the declared type carried by a Null value (NullType for
// any non-null value).
func (v Value) NullOfType() DataType {
	if v.isNull {
		return v.nullOfTyp
	}
	return NullType
}

func (v Value) Int() int64       { return v.i }
func (v Value) Float64() float64 { return v.f }
func (v Value) Bool() bool       { return v.b }
func (v Value) Time() time.Time  { return v.t }
func (v Value) String() string {
	if v.isNull {
		return "NULL"
	}
	switch v.typ {
	case Integer:
		return fmt.Sprintf("%d", v.i)
	case Float:
		return fmt.Sprintf("%g", v.f)
	case Text, Json:
		return v.s
	case Boolean:
		return fmt.Sprintf("%t", v.b)
	case Timestamp:
		return v.t.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// Equal implements round-trip/value equality, including typed-null equality.
func (v Value) Equal(other Value) bool {
	if v.isNull || other.isNull {
		return v.isNull == other.isNull && v.nullOfTyp == other.nullOfTyp
	}
	if v.typ != other.typ {
		return false
	}
	switch v.typ {
	case Integer:
		return v.i == other.i
	case Float:
		return v.f == other.f
	case Text, Json:
		return v.s == other.s
	case Boolean:
		return v.b == other.b
	case Timestamp:
		return v.t.Equal(other.t)
	default:
		return true
	}
}

// Key projects a Value into the Comparable key representation used by the
// index layer. Null values never back an index entry and must be filtered
// by the caller before Key is invoked.
func (v Value) Key() Comparable {
	switch v.typ {
	case Integer:
		return IntKey(v.i)
	case Float:
		return FloatKey(v.f)
	case Text, Json:
		return TextKey(v.s)
	case Boolean:
		return BoolKey(v.b)
	case Timestamp:
		return TimestampKey(v.t)
	default:
		return TextKey(v.String())
	}
}
