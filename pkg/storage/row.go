package storage

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/types"
)

// Row is an ordered sequence of Values matching its Schema's column order.
// Rows are immutable once committed.
type Row []types.Value

func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// EncodeRow marshals a Row to BSON, generalizing the teacher's
// pkg/storage/bson.go (MarshalBson over a bson.D) from a schemaless
// document to a schema-ordered Row: column name -> encoded value, plus a
// "$nulls" sub-document mapping each null column to its declared type
// (BSON has no notion of a null's *declared* type, which round-trip
// equality requires).
func EncodeRow(schema *Schema, row Row) ([]byte, error) {
	doc := bson.D{}
	nulls := bson.D{}
	for i, col := range schema.Columns {
		v := row[i]
		if v.IsNull() {
			nulls = append(nulls, bson.E{Key: col.Name, Value: int32(v.NullOfType())})
			doc = append(doc, bson.E{Key: col.Name, Value: nil})
			continue
		}
		switch v.Type() {
		case types.Integer:
			doc = append(doc, bson.E{Key: col.Name, Value: v.Int()})
		case types.Float:
			doc = append(doc, bson.E{Key: col.Name, Value: v.Float64()})
		case types.Text, types.Json:
			doc = append(doc, bson.E{Key: col.Name, Value: v.String()})
		case types.Boolean:
			doc = append(doc, bson.E{Key: col.Name, Value: v.Bool()})
		case types.Timestamp:
			doc = append(doc, bson.E{Key: col.Name, Value: v.Time()})
		}
	}
	doc = append(doc, bson.E{Key: "$nulls", Value: nulls})
	return bson.Marshal(doc)
}

// DecodeRow unmarshals a BSON-encoded Row back into the Value forms the
// schema declares.
func DecodeRow(schema *Schema, data []byte) (Row, error) {
	var doc bson.D
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, &errors.CorruptionError{Detail: err.Error()}
	}

	fields := make(map[string]any, len(doc))
	var nulls bson.D
	for _, e := range doc {
		if e.Key == "$nulls" {
			if sub, ok := e.Value.(bson.D); ok {
				nulls = sub
			}
			continue
		}
		fields[e.Key] = e.Value
	}
	nullSet := make(map[string]types.DataType, len(nulls))
	for _, e := range nulls {
		if n, ok := e.Value.(int32); ok {
			nullSet[e.Key] = types.DataType(n)
		}
	}

	row := make(Row, len(schema.Columns))
	for i, col := range schema.Columns {
		if declared, isNull := nullSet[col.Name]; isNull {
			row[i] = types.NewNull(declared)
			continue
		}
		raw, ok := fields[col.Name]
		if !ok {
			row[i] = types.NewNull(col.Type)
			continue
		}
		v, err := valueFromBson(col.Type, raw)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func valueFromBson(declared types.DataType, raw any) (types.Value, error) {
	switch v := raw.(type) {
	case int64:
		return types.NewInteger(v), nil
	case int32:
		return types.NewInteger(int64(v)), nil
	case int:
		return types.NewInteger(int64(v)), nil
	case float64:
		return types.NewFloat(v), nil
	case float32:
		return types.NewFloat(float64(v)), nil
	case string:
		if declared == types.Json {
			return types.NewJson(v), nil
		}
		return types.NewText(v), nil
	case bool:
		return types.NewBoolean(v), nil
	case time.Time:
		return types.NewTimestamp(v), nil
	case bson.DateTime:
		return types.NewTimestamp(v.Time()), nil
	case nil:
		return types.NewNull(declared), nil
	default:
		return types.Value{}, &errors.CoercionError{From: "bson", To: declared.String()}
	}
}
