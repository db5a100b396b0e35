// Package heap is the segmented append-only record store backing each
// table: every row version is an immutable entry addressed by its global
// byte offset, and version chains link backwards through PrevOffset.
package heap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	HeapMagic             = 0x48454150       // ASCII "HEAP"
	HeapVersion           = 3                // MVCC version-chain entry layout
	HeaderSize            = 14               // Magic(4) + Version(2) + NextOffset(8)
	EntryHeaderSize       = 29               // Length(4) + Valid(1) + CreateTxID(8) + DeleteTxID(8) + PrevOffset(8)
	DefaultMaxSegmentSize = 64 * 1024 * 1024 // 64MB
)

// RecordHeader is the fixed 29-byte prefix on every heap entry.
type RecordHeader struct {
	Valid      bool
	CreateTxID uint64 // transaction that created this version
	DeleteTxID uint64 // transaction that deleted this version (0 if still live)
	PrevOffset int64  // offset of the previous version in the chain, -1 if none
}

type Segment struct {
	ID          int
	Path        string
	StartOffset int64
	Size        int64
	File        *os.File
}

// HeapManager stores row versions on disk, split across fixed-size segment
// files so no single file grows unbounded.
type HeapManager struct {
	basePath       string
	segments       []*Segment
	activeSegment  *Segment
	nextOffset     int64 // global next-write offset across all segments
	maxSegmentSize int64
	mutex          sync.RWMutex
}

// NewHeapManager opens or creates the heap rooted at path, scanning for
// existing segment files ({path}_NNN.data) and resuming from the last one.
func NewHeapManager(path string) (*HeapManager, error) {
	hm := &HeapManager{
		basePath:       path,
		segments:       make([]*Segment, 0),
		maxSegmentSize: DefaultMaxSegmentSize,
	}

	var globalOffset int64 = 0
	id := 1

	for {
		segPath := fmt.Sprintf("%s_%03d.data", path, id)
		file, err := os.OpenFile(segPath, os.O_RDWR, 0666)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open segment %s: %w", segPath, err)
		}

		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}

		size := info.Size()

		seg := &Segment{
			ID:          id,
			Path:        segPath,
			StartOffset: globalOffset,
			Size:        size,
			File:        file,
		}
		hm.segments = append(hm.segments, seg)

		globalOffset += size
		id++
	}

	if len(hm.segments) == 0 {
		return hm.createNewSegment(1, 0)
	}

	hm.activeSegment = hm.segments[len(hm.segments)-1]

	if err := hm.loadActiveSegmentState(); err != nil {
		return nil, err
	}

	return hm, nil
}

func (h *HeapManager) createNewSegment(id int, startOffset int64) (*HeapManager, error) {
	segPath := fmt.Sprintf("%s_%03d.data", h.basePath, id)
	file, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %s: %w", segPath, err)
	}

	seg := &Segment{
		ID:          id,
		Path:        segPath,
		StartOffset: startOffset,
		Size:        0,
		File:        file,
	}

	h.segments = append(h.segments, seg)
	h.activeSegment = seg

	if err := h.writeHeader(seg); err != nil {
		return nil, err
	}

	seg.Size = int64(HeaderSize)
	h.nextOffset = startOffset + int64(HeaderSize)

	return h, nil
}

func (h *HeapManager) loadActiveSegmentState() error {
	if _, err := h.activeSegment.File.Seek(0, 0); err != nil {
		return err
	}

	var magic uint32
	if err := binary.Read(h.activeSegment.File, binary.LittleEndian, &magic); err != nil {
		return err
	}
	if magic != HeapMagic {
		return fmt.Errorf("invalid heap file magic in segment %d", h.activeSegment.ID)
	}

	var version uint16
	if err := binary.Read(h.activeSegment.File, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != HeapVersion {
		return fmt.Errorf("unsupported heap version: %d", version)
	}

	var localNextOffset int64
	if err := binary.Read(h.activeSegment.File, binary.LittleEndian, &localNextOffset); err != nil {
		return err
	}

	h.nextOffset = h.activeSegment.StartOffset + localNextOffset

	stat, _ := h.activeSegment.File.Stat()
	if stat.Size() > localNextOffset {
		// The header's recorded offset trails the file size: we wrote data
		// but crashed before persisting the updated header. Trust the file
		// size and repair the header for next time.
		h.nextOffset = h.activeSegment.StartOffset + stat.Size()
		_ = h.updateNextOffset()
	}

	return nil
}

// writeHeader initializes the header of a freshly created segment.
func (h *HeapManager) writeHeader(seg *Segment) error {
	if _, err := seg.File.Seek(0, 0); err != nil {
		return err
	}

	if err := binary.Write(seg.File, binary.LittleEndian, uint32(HeapMagic)); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint16(HeapVersion)); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, int64(HeaderSize)); err != nil {
		return err
	}

	return seg.File.Sync()
}

// readSegmentHeader reads a segment's header independent of the active
// segment tracking in loadActiveSegmentState, for inspecting a non-active
// segment. Nothing in the repository calls it.
func (h *HeapManager) readSegmentHeader(seg *Segment) (int64, error) {
	if _, err := seg.File.Seek(0, 0); err != nil {
		return 0, err
	}

	var magic uint32
	if err := binary.Read(seg.File, binary.LittleEndian, &magic); err != nil {
		return 0, err
	}
	if magic != HeapMagic {
		return 0, fmt.Errorf("invalid heap file magic")
	}

	var version uint16
	if err := binary.Read(seg.File, binary.LittleEndian, &version); err != nil {
		return 0, err
	}
	if version != HeapVersion {
		return 0, fmt.Errorf("unsupported heap version: %d (expected %d)", version, HeapVersion)
	}

	var nextOffset int64
	if err := binary.Read(seg.File, binary.LittleEndian, &nextOffset); err != nil {
		return 0, err
	}
	return nextOffset, nil
}

// updateNextOffset persists the active segment's write pointer. Must be
// called while holding h.mutex.
func (h *HeapManager) updateNextOffset() error {
	seg := h.activeSegment
	pos, err := seg.File.Seek(6, 0) // skip Magic(4) + Version(2)
	if err != nil {
		return err
	}
	if pos != 6 {
		return fmt.Errorf("seek failed")
	}

	localOffset := h.nextOffset - seg.StartOffset

	return binary.Write(seg.File, binary.LittleEndian, localOffset)
}

// Write appends doc as a new version with the given creating transaction id
// and previous-version offset (-1 if this starts a new chain), rotating to
// a new segment file if the active one would exceed maxSegmentSize.
func (h *HeapManager) Write(doc []byte, createTxID uint64, prevOffset int64) (int64, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	neededSize := int64(EntryHeaderSize + len(doc))

	currentLocalOffset := h.nextOffset - h.activeSegment.StartOffset

	if currentLocalOffset+neededSize > h.maxSegmentSize {
		newID := h.activeSegment.ID + 1
		if _, err := h.createNewSegment(newID, h.nextOffset); err != nil {
			return 0, fmt.Errorf("failed to rotate segment: %w", err)
		}
		currentLocalOffset = HeaderSize
	}

	offset := h.nextOffset // global offset returned to the caller

	seg := h.activeSegment
	localOffset := offset - seg.StartOffset

	if _, err := seg.File.Seek(localOffset, 0); err != nil {
		return 0, err
	}

	docLen := uint32(len(doc))

	if err := binary.Write(seg.File, binary.LittleEndian, docLen); err != nil {
		return 0, err
	}

	if err := binary.Write(seg.File, binary.LittleEndian, uint8(1)); err != nil {
		return 0, err
	}

	if err := binary.Write(seg.File, binary.LittleEndian, createTxID); err != nil {
		return 0, err
	}

	if err := binary.Write(seg.File, binary.LittleEndian, uint64(0)); err != nil {
		return 0, err
	}

	if err := binary.Write(seg.File, binary.LittleEndian, prevOffset); err != nil {
		return 0, err
	}

	if _, err := seg.File.Write(doc); err != nil {
		return 0, err
	}

	h.nextOffset += int64(EntryHeaderSize + int(docLen))
	seg.Size = h.nextOffset - seg.StartOffset

	if err := h.updateNextOffset(); err != nil {
		return 0, err
	}

	return offset, nil
}

// getSegmentForOffset finds the segment containing a global offset. Segments
// are naturally ordered, so a linear scan is fine at the segment counts an
// embedded engine deals with.
func (h *HeapManager) getSegmentForOffset(offset int64) (*Segment, error) {
	for _, seg := range h.segments {
		if offset >= seg.StartOffset && offset < (seg.StartOffset+seg.Size) {
			return seg, nil
		}
	}
	if offset < h.nextOffset {
		if offset >= h.activeSegment.StartOffset {
			return h.activeSegment, nil
		}
	}

	return nil, fmt.Errorf("segment not found for offset %d", offset)
}

// Read retrieves the document and header stored at offset.
func (h *HeapManager) Read(offset int64) ([]byte, *RecordHeader, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	seg, err := h.getSegmentForOffset(offset)
	if err != nil {
		return nil, nil, err
	}

	localOffset := offset - seg.StartOffset

	if _, err := seg.File.Seek(localOffset, 0); err != nil {
		return nil, nil, err
	}

	var docLen uint32
	if err := binary.Read(seg.File, binary.LittleEndian, &docLen); err != nil {
		return nil, nil, err
	}

	var valid uint8
	if err := binary.Read(seg.File, binary.LittleEndian, &valid); err != nil {
		return nil, nil, err
	}

	var createTxID uint64
	if err := binary.Read(seg.File, binary.LittleEndian, &createTxID); err != nil {
		return nil, nil, err
	}

	var deleteTxID uint64
	if err := binary.Read(seg.File, binary.LittleEndian, &deleteTxID); err != nil {
		return nil, nil, err
	}

	var prevOffset int64
	if err := binary.Read(seg.File, binary.LittleEndian, &prevOffset); err != nil {
		return nil, nil, err
	}

	header := &RecordHeader{
		Valid:      valid == 1,
		CreateTxID: createTxID,
		DeleteTxID: deleteTxID,
		PrevOffset: prevOffset,
	}

	doc := make([]byte, docLen)
	if _, err := io.ReadFull(seg.File, doc); err != nil {
		return nil, nil, err
	}

	return doc, header, nil
}

// Delete marks the entry at offset as deleted by deleteTxID, in place.
// Lazy deletion: the bytes stay on disk; nothing in this package reclaims
// them.
func (h *HeapManager) Delete(offset int64, deleteTxID uint64) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	seg, err := h.getSegmentForOffset(offset)
	if err != nil {
		return err
	}

	localOffset := offset - seg.StartOffset
	validOffset := localOffset + 4
	deleteTxIDOffset := localOffset + 4 + 1 + 8

	if _, err := seg.File.Seek(validOffset, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint8(0)); err != nil {
		return err
	}

	if _, err := seg.File.Seek(deleteTxIDOffset, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, deleteTxID); err != nil {
		return err
	}

	return nil
}

func (h *HeapManager) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var firstErr error
	for _, seg := range h.segments {
		if seg.File != nil {
			if err := seg.File.Close(); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Path returns the heap's base path (the common prefix shared by segments).
func (h *HeapManager) Path() string {
	return h.basePath
}

// HeapIterator walks every record across every segment, in offset order.
type HeapIterator struct {
	hm          *HeapManager
	segmentIdx  int
	currentFile *os.File
	currentPos  int64 // local offset within the current segment file
}

func (h *HeapManager) NewIterator() (*HeapIterator, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if len(h.segments) == 0 {
		return nil, fmt.Errorf("no segments to iterate")
	}

	seg := h.segments[0]
	f, err := os.Open(seg.Path) // independent handle, doesn't disturb the writer's cursor
	if err != nil {
		return nil, err
	}

	return &HeapIterator{
		hm:          h,
		segmentIdx:  0,
		currentFile: f,
		currentPos:  HeaderSize,
	}, nil
}

// Next returns the next record's document, header, and global offset.
// Returns io.EOF once every segment has been exhausted.
func (it *HeapIterator) Next() ([]byte, *RecordHeader, int64, error) {
	for {
		it.hm.mutex.RLock()
		if it.segmentIdx >= len(it.hm.segments) {
			it.hm.mutex.RUnlock()
			return nil, nil, 0, io.EOF
		}
		seg := it.hm.segments[it.segmentIdx]
		startOffset := seg.StartOffset
		it.hm.mutex.RUnlock()

		globalOffset := startOffset + it.currentPos

		if _, err := it.currentFile.Seek(it.currentPos, 0); err != nil {
			return nil, nil, 0, err
		}

		headerBuf := make([]byte, EntryHeaderSize)
		if _, err := io.ReadFull(it.currentFile, headerBuf); err != nil {
			if err == io.EOF {
				if err := it.nextSegment(); err != nil {
					return nil, nil, 0, err
				}
				continue
			}
			return nil, nil, 0, err
		}

		docLen := binary.LittleEndian.Uint32(headerBuf[0:4])
		valid := headerBuf[4]
		createTxID := binary.LittleEndian.Uint64(headerBuf[5:13])
		deleteTxID := binary.LittleEndian.Uint64(headerBuf[13:21])
		prevOffset := int64(binary.LittleEndian.Uint64(headerBuf[21:29]))

		doc := make([]byte, docLen)
		if _, err := io.ReadFull(it.currentFile, doc); err != nil {
			return nil, nil, 0, err
		}

		it.currentPos += int64(EntryHeaderSize + int(docLen))

		header := &RecordHeader{
			Valid:      valid == 1,
			CreateTxID: createTxID,
			DeleteTxID: deleteTxID,
			PrevOffset: prevOffset,
		}

		return doc, header, globalOffset, nil
	}
}

func (it *HeapIterator) nextSegment() error {
	it.currentFile.Close()
	it.segmentIdx++

	it.hm.mutex.RLock()
	defer it.hm.mutex.RUnlock()

	if it.segmentIdx >= len(it.hm.segments) {
		return io.EOF
	}

	seg := it.hm.segments[it.segmentIdx]
	f, err := os.Open(seg.Path)
	if err != nil {
		return err
	}
	it.currentFile = f
	it.currentPos = HeaderSize
	return nil
}

func (it *HeapIterator) Close() {
	if it.currentFile != nil {
		it.currentFile.Close()
	}
}
