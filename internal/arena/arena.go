// Package arena owns the pool's single contiguous byte buffer and the
// page-used bitmap. It implements first-fit allocation search and
// compaction; it knows nothing about identifiers or catalogs.
package arena

import (
	"fmt"
	"math/bits"
)

// Arena is a fixed-capacity byte buffer divided into equal pages, with a
// bitmap tracking which pages are in use.
type Arena struct {
	buf       []byte
	used      []uint64 // bitset, PageCount bits, LSB-first within each word
	pageBytes int
	pageCount int
	freePages int
}

// New allocates an Arena of poolBytes capacity divided into pageBytes
// pages. poolBytes must be an exact multiple of pageBytes.
func New(poolBytes, pageBytes int) (*Arena, error) {
	if pageBytes <= 0 || poolBytes <= 0 {
		return nil, fmt.Errorf("arena: poolBytes and pageBytes must be positive")
	}
	if poolBytes%pageBytes != 0 {
		return nil, fmt.Errorf("arena: pageBytes %d does not divide poolBytes %d", pageBytes, poolBytes)
	}
	pageCount := poolBytes / pageBytes
	return &Arena{
		buf:       make([]byte, poolBytes),
		used:      make([]uint64, (pageCount+63)/64),
		pageBytes: pageBytes,
		pageCount: pageCount,
		freePages: pageCount,
	}, nil
}

// PageBytes returns the configured page size.
func (a *Arena) PageBytes() int { return a.pageBytes }

// PageCount returns the total number of pages.
func (a *Arena) PageCount() int { return a.pageCount }

// FreePageCount returns the number of currently-free pages.
func (a *Arena) FreePageCount() int { return a.freePages }

// SetFreePageCount overrides the cached free-page counter. Used only by the
// snapshot loader, which restores it from the file header rather than
// recomputing it from the bitmap during the page-by-page reconstruction.
func (a *Arena) SetFreePageCount(n int) { a.freePages = n }

func (a *Arena) bitSet(i int) bool {
	return a.used[i/64]&(1<<(uint(i)%64)) != 0
}

func (a *Arena) bitSetOn(i int)  { a.used[i/64] |= 1 << (uint(i) % 64) }
func (a *Arena) bitSetOff(i int) { a.used[i/64] &^= 1 << (uint(i) % 64) }

// FindRun returns the lowest start such that pages [start, start+n) are
// all free, or ok=false if no such run exists.
func (a *Arena) FindRun(n int) (start int, ok bool) {
	if n <= 0 || n > a.pageCount {
		return 0, false
	}
	run := 0
	for i := 0; i < a.pageCount; i++ {
		if a.bitSet(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1, true
		}
	}
	return 0, false
}

// MaxFreeRun returns the length of the longest contiguous free run.
func (a *Arena) MaxFreeRun() int {
	best, run := 0, 0
	for i := 0; i < a.pageCount; i++ {
		if a.bitSet(i) {
			run = 0
			continue
		}
		run++
		if run > best {
			best = run
		}
	}
	return best
}

// FreeFragments returns the count of maximal runs of free (0) bits.
func (a *Arena) FreeFragments() int {
	frags := 0
	inRun := false
	for i := 0; i < a.pageCount; i++ {
		if a.bitSet(i) {
			inRun = false
			continue
		}
		if !inRun {
			frags++
			inRun = true
		}
	}
	return frags
}

// MarkUsed sets bits [start, start+n) and adjusts the free-page counter.
func (a *Arena) MarkUsed(start, n int) {
	for i := start; i < start+n; i++ {
		if !a.bitSet(i) {
			a.freePages--
		}
		a.bitSetOn(i)
	}
}

// MarkFree clears bits [start, start+n) and adjusts the free-page counter.
func (a *Arena) MarkFree(start, n int) {
	for i := start; i < start+n; i++ {
		if a.bitSet(i) {
			a.freePages++
		}
		a.bitSetOff(i)
	}
}

// IsUsed reports whether page i is currently allocated.
func (a *Arena) IsUsed(i int) bool { return a.bitSet(i) }

// WriteRun copies min(len(data), n*PageBytes) bytes into the run starting
// at page start, zero-filling the remainder of the last page occupied.
func (a *Arena) WriteRun(start, n int, data []byte) {
	off := start * a.pageBytes
	span := n * a.pageBytes
	dst := a.buf[off : off+span]
	copied := copy(dst, data)
	for i := copied; i < span; i++ {
		dst[i] = 0
	}
}

// ReadRun returns the raw n*PageBytes-byte slice starting at page start.
// The returned slice aliases the Arena's backing buffer and must not be
// retained past the next mutation of the same page range.
func (a *Arena) ReadRun(start, n int) []byte {
	off := start * a.pageBytes
	span := n * a.pageBytes
	return a.buf[off : off+span]
}

// Bytes returns the entire backing buffer, for whole-arena snapshot I/O.
func (a *Arena) Bytes() []byte { return a.buf }

// Zero clears the entire buffer and the used bitmap, and resets the
// free-page counter to PageCount. Used by Reset.
func (a *Arena) Zero() {
	for i := range a.buf {
		a.buf[i] = 0
	}
	for i := range a.used {
		a.used[i] = 0
	}
	a.freePages = a.pageCount
}

// Entry is the minimal view of a catalog entry that Compact needs: its
// current first page and page count. Compact relocates bytes and reports,
// for each entry in the same order as the input slice, its (possibly
// unchanged) new first page.
type Entry struct {
	FirstPage int
	PageCount int
}

// Compact relocates every entry's pages to the front of the arena,
// preserving relative order by FirstPage (the caller must pass entries
// pre-sorted ascending by FirstPage). It returns the new FirstPage for
// each entry, in input order, and leaves the
// Used-map with used pages forming the prefix [0, dst) and free pages the
// suffix [dst, PageCount). last_modified timestamps are untouched by
// design — compaction is not a catalog mutation.
func (a *Arena) Compact(entries []Entry) []int {
	newFirst := make([]int, len(entries))
	dst := 0
	for i, e := range entries {
		if e.FirstPage == dst {
			newFirst[i] = dst
			dst += e.PageCount
			continue
		}
		a.memmove(dst, e.FirstPage, e.PageCount)
		a.MarkFree(e.FirstPage, e.PageCount)
		a.MarkUsed(dst, e.PageCount)
		newFirst[i] = dst
		dst += e.PageCount
	}
	return newFirst
}

// memmove copies n pages of bytes from src to dst. dst <= src always holds
// by construction (Compact only ever slides entries toward page 0), so a
// forward byte-wise copy is direction-safe.
func (a *Arena) memmove(dst, src, n int) {
	dstOff := dst * a.pageBytes
	srcOff := src * a.pageBytes
	span := n * a.pageBytes
	copy(a.buf[dstOff:dstOff+span], a.buf[srcOff:srcOff+span])
}

// PopCount returns the total number of set bits across the bitmap; used
// by tests to cross-check FreePageCount against the bitmap directly.
func (a *Arena) PopCount() int {
	total := 0
	for _, w := range a.used {
		total += bits.OnesCount64(w)
	}
	return total
}
