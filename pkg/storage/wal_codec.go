package storage

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/types"
	"github.com/corvusdb/corvus/pkg/wal"
)

// buildEntry assembles a WALEntry with a freshly computed checksum. The
// teacher's pool helpers (AcquireEntry/ReleaseEntry) are for the replay hot
// path; entries built for writing are small and short-lived enough that a
// plain allocation is clearer here.
func buildEntry(entryType uint8, lsn, txid uint64, payload []byte) *wal.WALEntry {
	return &wal.WALEntry{
		Header: wal.WALHeader{
			Magic:      wal.WALMagic,
			Version:    wal.WALVersion,
			EntryType:  entryType,
			LSN:        lsn,
			TxID:       txid,
			PayloadLen: uint32(len(payload)),
			CRC32:      wal.CalculateCRC32(payload),
		},
		Payload: payload,
	}
}

func marshalPayload(v any) ([]byte, error) {
	data, err := bson.Marshal(v)
	if err != nil {
		return nil, &errors.CorruptionError{Detail: err.Error()}
	}
	return data, nil
}

func unmarshalPayload(data []byte, v any) error {
	if err := bson.Unmarshal(data, v); err != nil {
		return &errors.CorruptionError{Detail: err.Error()}
	}
	return nil
}

// --- WAL payload shapes, one per EntryType that needs more than txid ---

type insertPayload struct {
	Schema string
	Table  string
	PK     int64
}

type updatePayload struct {
	Schema string
	Table  string
	PK     int64
}

type deletePayload struct {
	Schema string
	Table  string
	PK     int64
}

type createTablePayload struct {
	Schema  string
	Table   string
	Columns []bson.M
}

type dropTablePayload struct {
	Schema string
	Table  string
}

type createIndexPayload struct {
	Schema  string
	Table   string
	Name    string
	Columns []string
	Unique  bool
	Type    string
}

type dropIndexPayload struct {
	Schema string
	Table  string
	Name   string
}

type alterAddColumnPayload struct {
	Schema string
	Table  string
	Column bson.M
}

type alterDropColumnPayload struct {
	Schema string
	Table  string
	Column string
}

type alterRenameColumnPayload struct {
	Schema string
	Table  string
	Old    string
	New    string
}

type alterModifyColumnPayload struct {
	Schema   string
	Table    string
	Column   string
	TypeName string
	Nullable bool
}

type alterRenameTablePayload struct {
	Schema string
	Old    string
	New    string
}

type createSchemaPayload struct {
	Name string
}

type dropSchemaPayload struct {
	Name string
}

type createViewPayload struct {
	Name  string
	Query string
}

type dropViewPayload struct {
	Name string
}

func columnToBsonM(c Column) bson.M {
	return bson.M{
		"name":           c.Name,
		"type":           int32(c.Type),
		"nullable":       c.Nullable,
		"primary_key":    c.PrimaryKey,
		"auto_increment": c.AutoIncrement,
	}
}

func columnFromBsonM(m bson.M) Column {
	return Column{
		Name:          stringOf(m["name"]),
		Type:          dataTypeOf(m["type"]),
		Nullable:      boolOf(m["nullable"]),
		PrimaryKey:    boolOf(m["primary_key"]),
		AutoIncrement: boolOf(m["auto_increment"]),
	}
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func dataTypeOf(v any) types.DataType {
	switch n := v.(type) {
	case int32:
		return types.DataType(n)
	case int64:
		return types.DataType(n)
	case int:
		return types.DataType(n)
	default:
		return types.NullType
	}
}
