package storage

import (
	"io"
	"os"
	"strings"

	"github.com/corvusdb/corvus/pkg/ast"
	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/index"
	"github.com/corvusdb/corvus/pkg/sqlparser"
	"github.com/corvusdb/corvus/pkg/types"
	"github.com/corvusdb/corvus/pkg/wal"
)

// replay rebuilds e's in-memory state from the WAL segment at path, then
// rebuilds each table's primary-key tree and secondary indexes from its
// heap file. Applying only records belonging to committed transactions,
// plus all DDL unconditionally (DDL has no undo once past the in-memory
// Rollback path, so every DDL record the log holds already represents
// engine state that existed at some point and must be replayed to reach
// the final schema shape).
func (e *Engine) replay(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	r, err := wal.NewWALReader(path)
	if err != nil {
		return &errors.CorruptionError{Detail: err.Error()}
	}
	defer r.Close()

	var maxLSN, maxTx uint64
	committed := make(map[uint64]bool)
	schemaDefs := make(map[string]*Schema) // qualifiedKey -> schema as of replay

	for {
		entry, rerr := r.ReadEntry()
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break // clean end or a torn tail write: stop, discard the partial record
		}
		if rerr == wal.ErrChecksumMismatch {
			break // corrupted tail: stop replay here rather than fail open entirely
		}
		if rerr != nil {
			return &errors.CorruptionError{Detail: rerr.Error()}
		}

		if entry.Header.LSN > maxLSN {
			maxLSN = entry.Header.LSN
		}
		if entry.Header.TxID > maxTx {
			maxTx = entry.Header.TxID
		}

		switch entry.Header.EntryType {
		case wal.EntryCommitTx:
			committed[entry.Header.TxID] = true

		case wal.EntryCreateSchema:
			var p createSchemaPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			e.schemas[p.Name] = true

		case wal.EntryDropSchema:
			var p dropSchemaPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			delete(e.schemas, p.Name)
			for key, s := range schemaDefs {
				if s.SchemaName == p.Name {
					delete(schemaDefs, key)
				}
			}

		case wal.EntryCreateTable:
			var p createTablePayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			cols := make([]Column, len(p.Columns))
			for i, m := range p.Columns {
				cols[i] = columnFromBsonM(m)
			}
			schema := &Schema{SchemaName: p.Schema, TableName: p.Table, Columns: cols}
			schemaDefs[qualifiedKey(p.Schema, p.Table)] = schema

		case wal.EntryDropTable:
			var p dropTablePayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			delete(schemaDefs, qualifiedKey(p.Schema, p.Table))

		case wal.EntryAlterRenameTable:
			var p alterRenameTablePayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			oldKey := qualifiedKey(p.Schema, p.Old)
			if s, ok := schemaDefs[oldKey]; ok {
				s.TableName = p.New
				delete(schemaDefs, oldKey)
				schemaDefs[qualifiedKey(p.Schema, p.New)] = s
			}

		case wal.EntryAlterAddColumn:
			var p alterAddColumnPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			if s, ok := schemaDefs[qualifiedKey(p.Schema, p.Table)]; ok {
				s.Columns = append(s.Columns, columnFromBsonM(p.Column))
			}

		case wal.EntryAlterDropColumn:
			var p alterDropColumnPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			if s, ok := schemaDefs[qualifiedKey(p.Schema, p.Table)]; ok {
				if i := s.ColumnIndex(p.Column); i >= 0 {
					s.Columns = append(s.Columns[:i], s.Columns[i+1:]...)
				}
			}

		case wal.EntryAlterRenameColumn:
			var p alterRenameColumnPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			if s, ok := schemaDefs[qualifiedKey(p.Schema, p.Table)]; ok {
				if i := s.ColumnIndex(p.Old); i >= 0 {
					s.Columns[i].Name = p.New
				}
			}

		case wal.EntryAlterModifyColumn:
			var p alterModifyColumnPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			if s, ok := schemaDefs[qualifiedKey(p.Schema, p.Table)]; ok {
				if i := s.ColumnIndex(p.Column); i >= 0 {
					if dt, ok := types.ParseDataType(p.TypeName); ok {
						s.Columns[i].Type = dt
					}
					s.Columns[i].Nullable = p.Nullable
				}
			}

		case wal.EntryCreateView:
			var p createViewPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			stmt, perr := parseViewQuery(p.Query)
			e.views[normalizeViewName(p.Name)] = &View{OriginalName: p.Name, NormalizedName: normalizeViewName(p.Name), QueryText: p.Query, Query: stmt}
			_ = perr // a view whose query no longer parses still registers; execution will surface the error

		case wal.EntryDropView:
			var p dropViewPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return err
			}
			delete(e.views, normalizeViewName(p.Name))

		case wal.EntryCreateIndex, wal.EntryDropIndex:
			// Index definitions are rebuilt from the live heap data below,
			// once every table's final schema is known; nothing to do here.
		}
	}

	atomicStoreIfGreater(&e.nextTxID, maxTx)
	atomicStoreIfGreater(&e.lsn, maxLSN)
	e.committed = committed

	// Re-derive the CREATE/DROP INDEX history so it can be replayed once
	// heap files are open and schemas are final. A second pass keeps the
	// first pass's switch focused on schema shape.
	indexOps, ierr := collectIndexOps(path)
	if ierr != nil {
		return ierr
	}

	for key, schema := range schemaDefs {
		tbl, err := OpenTable(e.dataDir, schema, e.btreeFanout)
		if err != nil {
			return err
		}
		e.tables[key] = tbl

		if pk := schema.PrimaryKeyIndex(); pk >= 0 {
			_ = tbl.CreateIndex(index.New("pk", []string{schema.Columns[pk].Name}, true, index.BTree, e.btreeFanout))
		}
		for _, op := range indexOps[key] {
			if op.dropped {
				continue
			}
			typ, ok := index.ParseType(op.typ)
			if !ok {
				typ = index.BTree
			}
			_ = tbl.CreateIndex(index.New(op.name, op.columns, op.unique, typ, e.btreeFanout))
		}

		if err := rebuildTableFromHeap(tbl, committed); err != nil {
			return err
		}
	}

	return nil
}

type indexOp struct {
	name    string
	columns []string
	unique  bool
	typ     string
	dropped bool
}

// collectIndexOps re-reads the WAL segment for CreateIndex/DropIndex
// records only, keyed by table, in log order.
func collectIndexOps(path string) (map[string][]indexOp, error) {
	r, err := wal.NewWALReader(path)
	if err != nil {
		return nil, &errors.CorruptionError{Detail: err.Error()}
	}
	defer r.Close()

	out := make(map[string][]indexOp)
	for {
		entry, rerr := r.ReadEntry()
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF || rerr == wal.ErrChecksumMismatch {
			break
		}
		if rerr != nil {
			return nil, &errors.CorruptionError{Detail: rerr.Error()}
		}
		switch entry.Header.EntryType {
		case wal.EntryCreateIndex:
			var p createIndexPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return nil, err
			}
			key := qualifiedKey(p.Schema, p.Table)
			out[key] = append(out[key], indexOp{name: p.Name, columns: p.Columns, unique: p.Unique, typ: p.Type})
		case wal.EntryDropIndex:
			var p dropIndexPayload
			if err := unmarshalPayload(entry.Payload, &p); err != nil {
				return nil, err
			}
			key := qualifiedKey(p.Schema, p.Table)
			for i := range out[key] {
				if out[key][i].name == p.Name {
					out[key][i].dropped = true
				}
			}
		}
	}
	return out, nil
}

// rebuildTableFromHeap scans tbl's heap file once in append order, finds
// each primary key's latest raw offset, then walks that version's
// PrevOffset chain backward until it finds a version whose creator is
// committed, using that version as the true post-replay head (any
// trailing versions from transactions that never committed are skipped).
// Every live, committed row is then fed back into every secondary index,
// and every committed pk advances the table's auto-increment counter.
func rebuildTableFromHeap(tbl *Table, committed map[uint64]bool) error {
	it, err := tbl.heap.NewIterator()
	if err != nil {
		return &errors.CorruptionError{Detail: err.Error()}
	}
	defer it.Close()

	pkIdx := tbl.Schema.PrimaryKeyIndex()
	latestOffset := make(map[int64]int64)
	for {
		doc, _, offset, nerr := it.Next()
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			return &errors.CorruptionError{Detail: nerr.Error()}
		}
		row, derr := DecodeRow(tbl.Schema, doc)
		if derr != nil {
			return derr
		}
		pk := row[pkIdx].Int()
		latestOffset[pk] = offset // last one wins: append order == arrival order
	}

	for pk, offset := range latestOffset {
		resolved, verr := firstCommittedVersion(tbl, offset, committed)
		if verr != nil {
			return verr
		}
		if resolved == nil {
			continue
		}
		tbl.ObserveAutoIncrement(pk)
		if err := tbl.pkTree.Insert(types.IntKey(pk), resolved.Offset); err != nil {
			return &errors.CorruptionError{Detail: err.Error()}
		}
		if resolved.DeletedTx != 0 && !committed[resolved.DeletedTx] {
			// the delete itself never committed: the row is still live
			resolved.DeletedTx = 0
		}
		if resolved.DeletedTx == 0 {
			for _, idx := range tbl.Indexes() {
				key := indexKeyFor(resolved.Row, columnIndexesFor(tbl.Schema, idx.Columns()))
				if key != nil {
					_ = idx.Insert(key, pk)
				}
			}
		}
	}
	return nil
}

func firstCommittedVersion(tbl *Table, offset int64, committed map[uint64]bool) (*versionRecord, error) {
	for offset != -1 {
		v, err := tbl.readVersion(offset)
		if err != nil {
			return nil, err
		}
		if committed[v.CreatedTx] {
			return v, nil
		}
		offset = v.PrevOffset
	}
	return nil, nil
}

func atomicStoreIfGreater(addr *uint64, v uint64) {
	if v > *addr {
		*addr = v
	}
}

func normalizeViewName(name string) string {
	return strings.ToLower(name)
}

func parseViewQuery(query string) (*ast.SelectStmt, error) {
	prog, err := sqlparser.Parse(query)
	if err != nil {
		return nil, err
	}
	if len(prog.Statements) == 0 {
		return nil, &errors.NoStatementsToExecuteError{}
	}
	sel, ok := prog.Statements[0].(*ast.SelectStmt)
	if !ok {
		return nil, &errors.ParseError{Cause: "view query is not a SELECT"}
	}
	return sel, nil
}
