// Package snapshot implements the whole-file binary persistence format: a
// versioned header followed by per-page meta, a Used-map bitmap, catalog
// entries, timestamps, the raw arena bytes, and an optional trailing
// CRC32-C checksum over the arena bytes. Versions 1 and 2 are accepted
// for read only; version 3 is read and written.
//
// The format assumes the reader already knows the pool's configured
// PageBytes/PageCount/PoolBytes: snapshots are not portable across a
// configuration change, and the header carries no page-geometry fields of
// its own — only free_page_count and entry_count.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// crcTable is the Castagnoli (CRC32-C) polynomial, matching the checksum
// used for the optional arena-integrity trailer.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

const (
	// Magic is the 4-byte file signature ("MEMP" read as a big-endian u32;
	// written little-endian, its on-disk bytes are "PMEM").
	Magic uint32 = 0x4D454D50

	// CurrentVersion is the format version this package writes.
	CurrentVersion uint32 = 3

	headerSize = 4 + 4 + 8 + 8 + 32 // magic, version, free_page_count, entry_count, reserved[4]
)

// PageMeta is one per-page meta record.
type PageMeta struct {
	Used        bool
	MemoryID    string
	Description string
}

// EntryRecord is one catalog entry as stored in the entries section.
type EntryRecord struct {
	Key       string
	FirstPage int
	PageCount int
}

// State is the fully-parsed contents of a snapshot file, ready for a Pool
// to install into its Arena and Catalog.
type State struct {
	Version       uint32
	FreePageCount int
	PerPage       []PageMeta // length PageCount; may be ignored by the caller
	UsedBitmap    []byte     // ceil(PageCount/8) bytes, LSB-first per byte
	Entries       []EntryRecord
	Timestamps    map[string]int64 // present for version >= 2
	ArenaBytes    []byte           // exactly PoolBytes
}

type countingWriter struct {
	w *bufio.Writer
	n int64
	e error
}

func (c *countingWriter) writeU32(v uint32) {
	if c.e != nil {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, c.e = c.w.Write(b[:])
}

func (c *countingWriter) writeU64(v uint64) {
	if c.e != nil {
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, c.e = c.w.Write(b[:])
}

func (c *countingWriter) writeI64(v int64) { c.writeU64(uint64(v)) }

func (c *countingWriter) writeU8(v uint8) {
	if c.e != nil {
		return
	}
	_, c.e = c.w.Write([]byte{v})
}

func (c *countingWriter) writeBytes(b []byte) {
	if c.e != nil {
		return
	}
	_, c.e = c.w.Write(b)
}

func (c *countingWriter) writeString(s string) {
	c.writeU64(uint64(len(s)))
	c.writeBytes([]byte(s))
}

// SaveParams bundles what Save needs from the caller's Arena/Catalog
// without this package importing either (keeps the dependency direction
// one-way: pool depends on snapshot, not the reverse).
type SaveParams struct {
	PageCount     int
	FreePageCount int
	IsUsed        func(page int) bool
	OwnerAt       func(page int) (memoryID, description string, ok bool)
	Entries       []EntryRecord
	Timestamps    map[string]int64
	ArenaBytes    []byte
}

// Save writes the current version-3 format to w.
func Save(w io.Writer, p SaveParams) error {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	cw.writeU32(Magic)
	cw.writeU32(CurrentVersion)
	cw.writeU64(uint64(p.FreePageCount))
	cw.writeU64(uint64(len(p.Entries)))
	for i := 0; i < 4; i++ {
		cw.writeU64(0)
	}

	for page := 0; page < p.PageCount; page++ {
		used := p.IsUsed(page)
		if used {
			cw.writeU8(1)
			id, desc, ok := p.OwnerAt(page)
			if !ok {
				id, desc = "", ""
			}
			cw.writeString(id)
			cw.writeString(desc)
		} else {
			cw.writeU8(0)
			cw.writeString("")
			cw.writeString("")
		}
	}

	bitmapLen := (p.PageCount + 7) / 8
	bitmap := make([]byte, bitmapLen)
	for page := 0; page < p.PageCount; page++ {
		if p.IsUsed(page) {
			bitmap[page/8] |= 1 << (uint(page) % 8)
		}
	}
	cw.writeBytes(bitmap)

	for _, e := range p.Entries {
		cw.writeString(e.Key)
		cw.writeU64(uint64(e.FirstPage))
		cw.writeU64(uint64(e.PageCount))
	}

	cw.writeU64(uint64(len(p.Entries)))
	for _, e := range p.Entries {
		cw.writeString(e.Key)
		cw.writeI64(p.Timestamps[e.Key])
	}

	cw.writeBytes(p.ArenaBytes)
	cw.writeU32(crc32.Checksum(p.ArenaBytes, crcTable))

	if cw.e != nil {
		return fmt.Errorf("snapshot: write: %w", cw.e)
	}
	return bw.Flush()
}

type countingReader struct {
	r *bufio.Reader
	e error
}

func (c *countingReader) readU32() uint32 {
	if c.e != nil {
		return 0
	}
	var b [4]byte
	_, c.e = io.ReadFull(c.r, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (c *countingReader) readU64() uint64 {
	if c.e != nil {
		return 0
	}
	var b [8]byte
	_, c.e = io.ReadFull(c.r, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (c *countingReader) readI64() int64 { return int64(c.readU64()) }

func (c *countingReader) readU8() uint8 {
	if c.e != nil {
		return 0
	}
	var b [1]byte
	_, c.e = io.ReadFull(c.r, b[:])
	return b[0]
}

func (c *countingReader) readBytes(n int) []byte {
	if c.e != nil {
		return nil
	}
	b := make([]byte, n)
	_, c.e = io.ReadFull(c.r, b)
	return b
}

func (c *countingReader) readString() string {
	n := c.readU64()
	if c.e != nil || n == 0 {
		return ""
	}
	return string(c.readBytes(int(n)))
}

// tryReadTrailerCRC reads the optional 4-byte checksum trailer following
// the arena bytes. A short read (no trailer present, e.g. a v1/v2 fixture
// or any file written before this trailer existed) is not an error: it
// reports present=false and leaves err nil, so a reader that doesn't find
// the trailer simply skips it.
func (c *countingReader) tryReadTrailerCRC() (crc uint32, present bool, err error) {
	var b [4]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, false, nil
		}
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(b[:]), true, nil
}

// Header is the fixed-offset-0 file header.
type Header struct {
	Version       uint32
	FreePageCount uint64
	EntryCount    uint64
}

// Reader wraps a bufio.Reader positioned at the start of a snapshot
// stream, letting a caller read the header, decide whether to reset its
// state, and only then read the body. A bad header never touches the
// pool; a body read failure leaves the pool in an already-reset (empty,
// consistent) state.
type Reader struct {
	cr *countingReader
}

// NewReader wraps r for a two-phase header-then-body read.
func NewReader(r io.Reader) *Reader {
	return &Reader{cr: &countingReader{r: bufio.NewReader(r)}}
}

// ReadHeader reads and validates the fixed header. It returns an error for
// a bad magic or an unsupported version without consuming anything the
// caller needs to roll back.
func (sr *Reader) ReadHeader() (Header, error) {
	cr := sr.cr
	magic := cr.readU32()
	if cr.e != nil {
		return Header{}, fmt.Errorf("snapshot: read header: %w", cr.e)
	}
	if magic != Magic {
		return Header{}, fmt.Errorf("snapshot: bad magic %08x", magic)
	}
	version := cr.readU32()
	if version < 1 || version > CurrentVersion {
		return Header{}, fmt.Errorf("snapshot: unsupported version %d", version)
	}
	freePageCount := cr.readU64()
	entryCount := cr.readU64()
	for i := 0; i < 4; i++ {
		cr.readU64() // reserved
	}
	if cr.e != nil {
		return Header{}, fmt.Errorf("snapshot: read header: %w", cr.e)
	}
	return Header{Version: version, FreePageCount: freePageCount, EntryCount: entryCount}, nil
}

// ReadBody reads every section after the header, given the header already
// read via ReadHeader and the target pool's page geometry.
func (sr *Reader) ReadBody(h Header, pageCount, poolBytes int) (*State, error) {
	cr := sr.cr
	version, entryCount := h.Version, h.EntryCount

	st := &State{
		Version:       version,
		FreePageCount: int(h.FreePageCount),
		PerPage:       make([]PageMeta, pageCount),
	}

	for page := 0; page < pageCount; page++ {
		used := cr.readU8() != 0
		if version >= 3 {
			id := cr.readString()
			desc := cr.readString()
			st.PerPage[page] = PageMeta{Used: used, MemoryID: id, Description: desc}
		} else {
			// v1/v2: a single string per page, treated as the memory-id;
			// description is empty.
			id := cr.readString()
			st.PerPage[page] = PageMeta{Used: used, MemoryID: id}
		}
	}
	if cr.e != nil {
		return nil, fmt.Errorf("snapshot: read per-page meta: %w", cr.e)
	}

	bitmapLen := (pageCount + 7) / 8
	st.UsedBitmap = cr.readBytes(bitmapLen)
	if cr.e != nil {
		return nil, fmt.Errorf("snapshot: read bitmap: %w", cr.e)
	}

	st.Entries = make([]EntryRecord, 0, entryCount)
	for i := uint64(0); i < entryCount; i++ {
		key := cr.readString()
		firstPage := cr.readU64()
		pc := cr.readU64()
		st.Entries = append(st.Entries, EntryRecord{
			Key:       key,
			FirstPage: int(firstPage),
			PageCount: int(pc),
		})
	}
	if cr.e != nil {
		return nil, fmt.Errorf("snapshot: read entries: %w", cr.e)
	}
	for _, e := range st.Entries {
		if e.FirstPage < 0 || e.PageCount < 0 || e.FirstPage+e.PageCount > pageCount {
			return nil, fmt.Errorf("snapshot: entry %q out of range [%d,%d) vs pageCount %d",
				e.Key, e.FirstPage, e.FirstPage+e.PageCount, pageCount)
		}
	}

	if version >= 2 {
		st.Timestamps = make(map[string]int64)
		count := cr.readU64()
		for i := uint64(0); i < count; i++ {
			key := cr.readString()
			ts := cr.readI64()
			st.Timestamps[key] = ts
		}
		if cr.e != nil {
			return nil, fmt.Errorf("snapshot: read timestamps: %w", cr.e)
		}
	}

	st.ArenaBytes = cr.readBytes(poolBytes)
	if cr.e != nil {
		return nil, fmt.Errorf("snapshot: read arena bytes: %w", cr.e)
	}

	if crc, present, err := cr.tryReadTrailerCRC(); err != nil {
		return nil, fmt.Errorf("snapshot: read checksum trailer: %w", err)
	} else if present {
		if want := crc32.Checksum(st.ArenaBytes, crcTable); crc != want {
			return nil, fmt.Errorf("snapshot: arena checksum mismatch: got %08x want %08x", crc, want)
		}
	}

	return st, nil
}

// Load is the single-call convenience form of NewReader + ReadHeader +
// ReadBody, for callers (and tests) that don't need the reset-in-between
// behavior that Pool.Restore relies on.
func Load(r io.Reader, pageCount, poolBytes int) (*State, error) {
	sr := NewReader(r)
	h, err := sr.ReadHeader()
	if err != nil {
		return nil, err
	}
	return sr.ReadBody(h, pageCount, poolBytes)
}

// IsUsedFromBitmap reports whether page is marked used in a bitmap read by
// Load, LSB-first within each byte as written by Save.
func IsUsedFromBitmap(bitmap []byte, page int) bool {
	if page/8 >= len(bitmap) {
		return false
	}
	return bitmap[page/8]&(1<<(uint(page)%8)) != 0
}
