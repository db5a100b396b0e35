package wal

import (
	"encoding/binary"
	"io"
)

// Header layout constants.
const (
	HeaderSize = 32 // fixed header size in bytes
	WALVersion = 1  // current on-disk WAL format version

	// WALMagic lets ReadEntry fail fast on a file that isn't a WAL segment.
	WALMagic = 0xDEADBEEF
)

// EntryType enumerates every record kind the WAL can carry. Transaction
// markers (BeginTx/CommitTx/AbortTx) bracket a transaction's record run;
// the rest are idempotent redo records replayed in LSN order during
// recovery.
const (
	EntryBeginTx uint8 = iota + 1
	EntryCommitTx
	EntryAbortTx

	EntryInsert
	EntryUpdate
	EntryDelete

	EntryCreateTable
	EntryDropTable
	EntryCreateIndex
	EntryDropIndex

	EntryAlterAddColumn
	EntryAlterDropColumn
	EntryAlterRenameColumn
	EntryAlterModifyColumn
	EntryAlterRenameTable

	EntryCreateSchema
	EntryDropSchema

	EntryCreateView
	EntryDropView
)

// WALHeader is the fixed 32-byte header preceding every record's payload.
type WALHeader struct {
	Magic      uint32 // 4 bytes
	Version    uint8  // 1 byte
	EntryType  uint8  // 1 byte
	Reserved   uint16 // 2 bytes, padding/alignment
	LSN        uint64 // 8 bytes, log sequence number
	TxID       uint64 // 8 bytes, owning transaction id
	PayloadLen uint32 // 4 bytes
	CRC32      uint32 // 4 bytes, checksum of Payload only
}

// WALEntry is one complete on-disk record: header plus payload.
type WALEntry struct {
	Header  WALHeader
	Payload []byte
}

// Encode serializes the header into buf, which must be at least HeaderSize.
func (h *WALHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.EntryType
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint64(buf[16:24], h.TxID)
	binary.LittleEndian.PutUint32(buf[24:28], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[28:32], h.CRC32)
}

// Decode deserializes buf (at least HeaderSize bytes) into the header.
func (h *WALHeader) Decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.EntryType = buf[5]
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.LSN = binary.LittleEndian.Uint64(buf[8:16])
	h.TxID = binary.LittleEndian.Uint64(buf[16:24])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[24:28])
	h.CRC32 = binary.LittleEndian.Uint32(buf[28:32])
}

// WriteTo writes the entry (header then payload) to w.
func (e *WALEntry) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	e.Header.Encode(headerBuf[:])

	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}

	m, err := w.Write(e.Payload)
	return int64(n + m), err
}
