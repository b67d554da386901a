package snapshot

import (
	"bufio"
	"bytes"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	const pageCount = 8
	const pageBytes = 16
	const poolBytes = pageCount * pageBytes

	arenaBytes := make([]byte, poolBytes)
	copy(arenaBytes[0:], []byte("hello-world-123."))
	copy(arenaBytes[pageBytes*3:], []byte("second-entry....."))

	used := map[int]bool{0: true, 3: true, 4: true}
	owners := map[int][2]string{
		0: {"memory_00001", "first"},
		3: {"memory_00002", "second"},
		4: {"memory_00002", "second"},
	}

	var buf bytes.Buffer
	err := Save(&buf, SaveParams{
		PageCount:     pageCount,
		FreePageCount: pageCount - 3,
		IsUsed:        func(p int) bool { return used[p] },
		OwnerAt: func(p int) (string, string, bool) {
			o, ok := owners[p]
			if !ok {
				return "", "", false
			}
			return o[0], o[1], true
		},
		Entries: []EntryRecord{
			{Key: "memory_00001", FirstPage: 0, PageCount: 1},
			{Key: "memory_00002", FirstPage: 3, PageCount: 2},
		},
		Timestamps: map[string]int64{
			"memory_00001": 1000,
			"memory_00002": 2000,
		},
		ArenaBytes: arenaBytes,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, err := Load(bytes.NewReader(buf.Bytes()), pageCount, poolBytes)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if st.Version != CurrentVersion {
		t.Fatalf("expected version %d, got %d", CurrentVersion, st.Version)
	}
	if st.FreePageCount != pageCount-3 {
		t.Fatalf("expected free page count %d, got %d", pageCount-3, st.FreePageCount)
	}
	if len(st.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(st.Entries))
	}
	if st.Entries[0].Key != "memory_00001" || st.Entries[0].FirstPage != 0 || st.Entries[0].PageCount != 1 {
		t.Fatalf("unexpected entry 0: %+v", st.Entries[0])
	}
	if st.Timestamps["memory_00002"] != 2000 {
		t.Fatalf("expected timestamp 2000 for memory_00002, got %d", st.Timestamps["memory_00002"])
	}
	if !IsUsedFromBitmap(st.UsedBitmap, 0) || IsUsedFromBitmap(st.UsedBitmap, 1) {
		t.Fatalf("bitmap mismatch at pages 0/1")
	}
	if st.PerPage[0].MemoryID != "memory_00001" || st.PerPage[0].Description != "first" {
		t.Fatalf("unexpected per-page meta at 0: %+v", st.PerPage[0])
	}
	if !bytes.Equal(st.ArenaBytes, arenaBytes) {
		t.Fatalf("arena bytes round trip mismatch")
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	buf.Write(make([]byte, 4+8+8+32))
	r := NewReader(&buf)
	if _, err := r.ReadHeader(); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestReadHeaderRejectsFutureVersion(t *testing.T) {
	var buf bytes.Buffer
	err := Save(&buf, SaveParams{
		PageCount:     1,
		FreePageCount: 1,
		IsUsed:        func(int) bool { return false },
		OwnerAt:       func(int) (string, string, bool) { return "", "", false },
		ArenaBytes:    make([]byte, 16),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw := buf.Bytes()
	// version field is the four bytes right after the magic
	raw[4] = 99
	r := NewReader(bytes.NewReader(raw))
	if _, err := r.ReadHeader(); err == nil {
		t.Fatalf("expected error for unsupported future version")
	}
}

func TestReadBodyRejectsOutOfRangeEntry(t *testing.T) {
	const pageCount = 4
	const poolBytes = pageCount * 16

	var buf bytes.Buffer
	err := Save(&buf, SaveParams{
		PageCount:     pageCount,
		FreePageCount: pageCount,
		IsUsed:        func(int) bool { return false },
		OwnerAt:       func(int) (string, string, bool) { return "", "", false },
		Entries: []EntryRecord{
			{Key: "memory_00001", FirstPage: 2, PageCount: 5}, // overruns pageCount
		},
		Timestamps: map[string]int64{"memory_00001": 1},
		ArenaBytes: make([]byte, poolBytes),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(bytes.NewReader(buf.Bytes()), pageCount, poolBytes); err == nil {
		t.Fatalf("expected range validation error")
	}
}

func TestReadHeaderThenReadBodyAreIndependentCalls(t *testing.T) {
	const pageCount = 2
	const poolBytes = pageCount * 16

	var buf bytes.Buffer
	if err := Save(&buf, SaveParams{
		PageCount:     pageCount,
		FreePageCount: pageCount,
		IsUsed:        func(int) bool { return false },
		OwnerAt:       func(int) (string, string, bool) { return "", "", false },
		ArenaBytes:    make([]byte, poolBytes),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	h, err := r.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	// A caller (Pool.Restore) resets its own state here, between the two
	// calls; this package has no opinion on that and just continues
	// reading from where ReadHeader left off.
	st, err := r.ReadBody(h, pageCount, poolBytes)
	if err != nil {
		t.Fatalf("ReadBody: %v", err)
	}
	if len(st.ArenaBytes) != poolBytes {
		t.Fatalf("expected %d arena bytes, got %d", poolBytes, len(st.ArenaBytes))
	}
}

func TestSaveAppendsVerifiableChecksumTrailer(t *testing.T) {
	const pageCount = 4
	const poolBytes = pageCount * 16
	arenaBytes := bytes.Repeat([]byte("x"), poolBytes)

	var buf bytes.Buffer
	if err := Save(&buf, SaveParams{
		PageCount:     pageCount,
		FreePageCount: pageCount,
		IsUsed:        func(int) bool { return false },
		OwnerAt:       func(int) (string, string, bool) { return "", "", false },
		ArenaBytes:    arenaBytes,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(bytes.NewReader(buf.Bytes()), pageCount, poolBytes); err != nil {
		t.Fatalf("Load with intact trailer: %v", err)
	}

	corrupt := append([]byte(nil), buf.Bytes()...)
	corrupt[len(corrupt)-1] ^= 0xff
	if _, err := Load(bytes.NewReader(corrupt), pageCount, poolBytes); err == nil {
		t.Fatalf("expected a checksum mismatch error for a corrupted trailer")
	}
}

// buildLegacyFixture hand-writes a v1 or v2 body byte-for-byte, using the
// same primitives Save uses, to stand in for a file produced by an older
// version of this package (no per-page description, and no timestamps
// section at all for v1).
func buildLegacyFixture(t *testing.T, version uint32, pageCount int, perPageIDs []string, entries []EntryRecord, timestamps map[string]int64, arenaBytes []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	cw := &countingWriter{w: bw}

	cw.writeU32(Magic)
	cw.writeU32(version)
	cw.writeU64(0) // free_page_count
	cw.writeU64(uint64(len(entries)))
	for i := 0; i < 4; i++ {
		cw.writeU64(0) // reserved
	}

	for page := 0; page < pageCount; page++ {
		id := perPageIDs[page]
		if id == "" {
			cw.writeU8(0)
			cw.writeString("")
			continue
		}
		cw.writeU8(1)
		cw.writeString(id)
	}

	bitmapLen := (pageCount + 7) / 8
	bitmap := make([]byte, bitmapLen)
	for page := 0; page < pageCount; page++ {
		if perPageIDs[page] != "" {
			bitmap[page/8] |= 1 << (uint(page) % 8)
		}
	}
	cw.writeBytes(bitmap)

	for _, e := range entries {
		cw.writeString(e.Key)
		cw.writeU64(uint64(e.FirstPage))
		cw.writeU64(uint64(e.PageCount))
	}

	if version >= 2 {
		cw.writeU64(uint64(len(entries)))
		for _, e := range entries {
			cw.writeString(e.Key)
			cw.writeI64(timestamps[e.Key])
		}
	}

	cw.writeBytes(arenaBytes)

	if cw.e != nil {
		t.Fatalf("build legacy fixture: %v", cw.e)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush legacy fixture: %v", err)
	}
	return buf.Bytes()
}

func TestRestoreLegacyV1FixtureDescriptionsEmpty(t *testing.T) {
	const pageCount = 2
	const poolBytes = pageCount * 16
	arenaBytes := make([]byte, poolBytes)
	copy(arenaBytes, []byte("legacy-v1-data.."))

	entries := []EntryRecord{{Key: "memory_00001", FirstPage: 0, PageCount: 1}}
	raw := buildLegacyFixture(t, 1, pageCount, []string{"memory_00001", ""}, entries, nil, arenaBytes)

	st, err := Load(bytes.NewReader(raw), pageCount, poolBytes)
	if err != nil {
		t.Fatalf("Load v1 fixture: %v", err)
	}
	if st.Version != 1 {
		t.Fatalf("expected version 1, got %d", st.Version)
	}
	if len(st.Entries) != 1 || st.Entries[0].Key != "memory_00001" {
		t.Fatalf("unexpected entries: %+v", st.Entries)
	}
	if st.PerPage[0].MemoryID != "memory_00001" || st.PerPage[0].Description != "" {
		t.Fatalf("expected id set and description empty for v1, got %+v", st.PerPage[0])
	}
	if st.Timestamps != nil {
		t.Fatalf("expected no timestamps for v1, got %v", st.Timestamps)
	}
	if !bytes.Equal(st.ArenaBytes, arenaBytes) {
		t.Fatalf("arena bytes mismatch restoring v1 fixture")
	}
}

func TestRestoreLegacyV2FixtureTimestampsPresentDescriptionsEmpty(t *testing.T) {
	const pageCount = 2
	const poolBytes = pageCount * 16
	arenaBytes := make([]byte, poolBytes)
	copy(arenaBytes, []byte("legacy-v2-data.."))

	entries := []EntryRecord{{Key: "memory_00001", FirstPage: 0, PageCount: 1}}
	timestamps := map[string]int64{"memory_00001": 4242}
	raw := buildLegacyFixture(t, 2, pageCount, []string{"memory_00001", ""}, entries, timestamps, arenaBytes)

	st, err := Load(bytes.NewReader(raw), pageCount, poolBytes)
	if err != nil {
		t.Fatalf("Load v2 fixture: %v", err)
	}
	if st.Version != 2 {
		t.Fatalf("expected version 2, got %d", st.Version)
	}
	if st.PerPage[0].MemoryID != "memory_00001" || st.PerPage[0].Description != "" {
		t.Fatalf("expected id set and description empty for v2, got %+v", st.PerPage[0])
	}
	if st.Timestamps["memory_00001"] != 4242 {
		t.Fatalf("expected timestamp 4242 for memory_00001, got %d", st.Timestamps["memory_00001"])
	}
	if !bytes.Equal(st.ArenaBytes, arenaBytes) {
		t.Fatalf("arena bytes mismatch restoring v2 fixture")
	}
}
