// Package pool implements the thin façade binding Arena and Catalog and
// enforcing the combined allocate/free/update invariants. It holds a
// single coarse lock: every public method is exclusive, including
// Snapshot and Restore.
package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sharedmem/poold/internal/arena"
	"github.com/sharedmem/poold/internal/catalog"
	"github.com/sharedmem/poold/internal/poolerr"
	"github.com/sharedmem/poold/internal/snapshot"
)

// Config configures a Pool. PoolBytes must be an exact multiple of
// PageBytes.
type Config struct {
	PoolBytes int
	PageBytes int
}

// DefaultConfig returns a 1 GiB pool of 4 KiB pages.
func DefaultConfig() Config {
	return Config{PoolBytes: 1 << 30, PageBytes: 4096}
}

// PageStats is the diagnostics snapshot returned by PageStats.
type PageStats struct {
	TotalPages    int
	FreePages     int
	UsedPages     int
	MaxFreeRun    int
	FreeFragments int
}

// Pool is the public façade over one Arena + one Catalog.
type Pool struct {
	mu      sync.Mutex
	arena   *arena.Arena
	catalog *catalog.Catalog
	cfg     Config
	now     func() int64 // overridable clock, for deterministic tests
}

// New constructs a Pool per cfg.
func New(cfg Config) (*Pool, error) {
	a, err := arena.New(cfg.PoolBytes, cfg.PageBytes)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.InvalidParam, "construct arena", err)
	}
	return &Pool{
		arena:   a,
		catalog: catalog.New(),
		cfg:     cfg,
		now:     func() int64 { return time.Now().Unix() },
	}, nil
}

// pagesFor computes n = ceil((size+1)/PageBytes). The +1 reservation
// guarantees a string-interpreted read always finds a terminating NUL
// within the trailing zero-pad.
func (p *Pool) pagesFor(size int) int {
	return (size + 1 + p.cfg.PageBytes - 1) / p.cfg.PageBytes
}

// allocRunLocked finds (compacting if necessary) a run of n free pages and
// marks it used. Caller must hold p.mu. Fail fast if the global free count
// can't possibly satisfy n, else first-fit, else compact-then-retry
// (guaranteed to succeed once free_page_count >= n, since compaction
// leaves all free pages as one trailing run).
func (p *Pool) allocRunLocked(n int) (int, error) {
	if n > p.arena.FreePageCount() {
		return 0, poolerr.New(poolerr.OutOfMemory, fmt.Sprintf("need %d pages, %d free", n, p.arena.FreePageCount()))
	}
	if start, ok := p.arena.FindRun(n); ok {
		p.arena.MarkUsed(start, n)
		return start, nil
	}
	p.compactLocked()
	start, ok := p.arena.FindRun(n)
	if !ok {
		// Unreachable if the invariants hold: free_page_count >= n and
		// compaction leaves all free pages as one trailing run.
		return 0, poolerr.New(poolerr.OutOfMemory, "no run available after compaction")
	}
	p.arena.MarkUsed(start, n)
	return start, nil
}

// compactLocked slides every entry's pages to the front of the arena.
// Caller must hold p.mu.
func (p *Pool) compactLocked() {
	entries := p.catalog.Iter() // already sorted ascending by FirstPage
	in := make([]arena.Entry, len(entries))
	for i, e := range entries {
		in[i] = arena.Entry{FirstPage: e.FirstPage, PageCount: e.PageCount}
	}
	newFirst := p.arena.Compact(in)
	for i, e := range entries {
		if newFirst[i] != e.FirstPage {
			p.catalog.SetFirstPage(e.MemoryID, newFirst[i])
		}
	}
}

// Allocate picks a new id, writes data into a fresh page run, and records
// a catalog entry. desc must be <=255 bytes; data must be non-empty.
func (p *Pool) Allocate(desc string, data []byte) (string, error) {
	if err := catalog.ValidateDescription(desc); err != nil {
		return "", poolerr.Wrap(poolerr.InvalidParam, "description", err)
	}
	if len(data) == 0 {
		return "", poolerr.New(poolerr.InvalidParam, "data must be non-empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.pagesFor(len(data))
	start, err := p.allocRunLocked(n)
	if err != nil {
		return "", err
	}
	p.arena.WriteRun(start, n, data)
	id := p.catalog.NextID()
	p.catalog.Put(id, desc, start, n, p.now())
	return id, nil
}

// Read returns a copy of the raw page-range bytes for id.
func (p *Pool) Read(id string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.catalog.Get(id)
	if !ok {
		return nil, poolerr.New(poolerr.NotFound, id)
	}
	raw := p.arena.ReadRun(e.FirstPage, e.PageCount)
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// Update overwrites the payload of id. A shrink truncates in place; a
// growth frees the old range and performs a fresh allocation reusing the
// same id and description.
func (p *Pool) Update(id string, data []byte) error {
	if len(data) == 0 {
		return poolerr.New(poolerr.InvalidParam, "data must be non-empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.catalog.Get(id)
	if !ok {
		return poolerr.New(poolerr.NotFound, id)
	}

	newN := p.pagesFor(len(data))
	if newN <= e.PageCount {
		p.arena.WriteRun(e.FirstPage, newN, data)
		if newN < e.PageCount {
			p.arena.MarkFree(e.FirstPage+newN, e.PageCount-newN)
		}
		p.catalog.Put(id, e.Description, e.FirstPage, newN, p.now())
		return nil
	}

	// Growth: free the old range, then allocate a fresh run reusing id.
	p.arena.MarkFree(e.FirstPage, e.PageCount)
	p.catalog.Remove(id)
	start, err := p.allocRunLocked(newN)
	if err != nil {
		return err
	}
	p.arena.WriteRun(start, newN, data)
	p.catalog.Put(id, e.Description, start, newN, p.now())
	return nil
}

// Free releases id's pages and removes its catalog entry.
func (p *Pool) Free(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.catalog.Get(id)
	if !ok {
		return poolerr.New(poolerr.NotFound, id)
	}
	p.arena.MarkFree(e.FirstPage, e.PageCount)
	p.catalog.Remove(id)
	return nil
}

// Compact relocates all blobs to the front of the arena.
func (p *Pool) Compact() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compactLocked()
}

// Reset destroys every blob atomically and restarts the id counter at 1.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Pool) resetLocked() {
	p.arena.Zero()
	p.catalog.Reset()
}

// Contains reports whether id is present.
func (p *Pool) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.catalog.Contains(id)
}

// Describe returns only the metadata for id, without copying its bytes —
// a cheap existence/metadata probe.
func (p *Pool) Describe(id string) (catalog.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.catalog.Get(id)
	if !ok {
		return catalog.Entry{}, poolerr.New(poolerr.NotFound, id)
	}
	return e, nil
}

// IterEntries returns every entry sorted ascending by FirstPage.
func (p *Pool) IterEntries() []catalog.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.catalog.Iter()
}

// PageStats returns the arena's current page-usage diagnostics.
func (p *Pool) PageStats() PageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.arena.PageCount()
	free := p.arena.FreePageCount()
	return PageStats{
		TotalPages:    total,
		FreePages:     free,
		UsedPages:     total - free,
		MaxFreeRun:    p.arena.MaxFreeRun(),
		FreeFragments: p.arena.FreeFragments(),
	}
}

// PageBytes returns the configured page size.
func (p *Pool) PageBytes() int { return p.cfg.PageBytes }

// PoolBytes returns the configured pool capacity.
func (p *Pool) PoolBytes() int { return p.cfg.PoolBytes }

// Snapshot writes the whole pool state to path, via a sibling temp file
// that is renamed into place once fully written and flushed, for an
// atomic whole-file replace. The temp file's suffix is a random uuid so
// concurrent snapshot calls (e.g. a manual Snapshot through the gRPC admin
// surface racing the cron-scheduled auto-snapshot) never collide on the
// same path.
func (p *Pool) Snapshot(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(path)
}

func (p *Pool) snapshotLocked(path string) error {
	entries := p.catalog.Iter()

	ownerAt := make([]*catalog.Entry, p.arena.PageCount())
	records := make([]snapshot.EntryRecord, len(entries))
	timestamps := make(map[string]int64, len(entries))
	for i := range entries {
		e := &entries[i]
		records[i] = snapshot.EntryRecord{Key: e.MemoryID, FirstPage: e.FirstPage, PageCount: e.PageCount}
		timestamps[e.MemoryID] = e.LastModified
		for pg := e.FirstPage; pg < e.FirstPage+e.PageCount; pg++ {
			ownerAt[pg] = e
		}
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return poolerr.Wrap(poolerr.IoFailed, "create snapshot directory", err)
		}
	}
	tmpName := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()))
	f, err := os.Create(tmpName)
	if err != nil {
		return poolerr.Wrap(poolerr.IoFailed, "create temp snapshot file", err)
	}

	saveErr := snapshot.Save(f, snapshot.SaveParams{
		PageCount:     p.arena.PageCount(),
		FreePageCount: p.arena.FreePageCount(),
		IsUsed:        p.arena.IsUsed,
		OwnerAt: func(page int) (string, string, bool) {
			e := ownerAt[page]
			if e == nil {
				return "", "", false
			}
			return e.MemoryID, e.Description, true
		},
		Entries:    records,
		Timestamps: timestamps,
		ArenaBytes: p.arena.Bytes(),
	})
	closeErr := f.Close()
	if saveErr != nil {
		os.Remove(tmpName)
		return poolerr.Wrap(poolerr.IoFailed, "write snapshot", saveErr)
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return poolerr.Wrap(poolerr.IoFailed, "close snapshot file", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return poolerr.Wrap(poolerr.IoFailed, "rename snapshot into place", err)
	}
	return nil
}

// Restore replaces the pool's entire state from path. A bad header
// (magic/version) leaves the pool untouched; any failure past that point
// leaves the pool in the empty, reset state, never partially installed.
func (p *Pool) Restore(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return poolerr.Wrap(poolerr.IoFailed, "open snapshot file", err)
	}
	defer f.Close()

	sr := snapshot.NewReader(f)
	header, err := sr.ReadHeader()
	if err != nil {
		return poolerr.Wrap(poolerr.IoFailed, "read snapshot header", err)
	}

	p.resetLocked()

	st, err := sr.ReadBody(header, p.arena.PageCount(), len(p.arena.Bytes()))
	if err != nil {
		// Any failure past reset() leaves the pool empty and consistent.
		return poolerr.Wrap(poolerr.IoFailed, "read snapshot body", err)
	}

	for page := 0; page < p.arena.PageCount(); page++ {
		if snapshot.IsUsedFromBitmap(st.UsedBitmap, page) {
			p.arena.MarkUsed(page, 1)
		}
	}
	p.arena.SetFreePageCount(st.FreePageCount)

	catEntries := make([]catalog.Entry, 0, len(st.Entries))
	for _, rec := range st.Entries {
		ts := st.Timestamps[rec.Key]
		catEntries = append(catEntries, catalog.Entry{
			MemoryID:     rec.Key,
			FirstPage:    rec.FirstPage,
			PageCount:    rec.PageCount,
			LastModified: ts,
		})
	}
	// Descriptions are carried on the per-page meta section, not the
	// entries section; recover them via the first page of each entry's
	// range, the same reverse-lookup this package writes on save.
	for i := range catEntries {
		fp := catEntries[i].FirstPage
		if fp >= 0 && fp < len(st.PerPage) {
			catEntries[i].Description = st.PerPage[fp].Description
		}
	}
	p.catalog.LoadEntries(catEntries)

	copy(p.arena.Bytes(), st.ArenaBytes)

	return nil
}

// SetClock overrides the pool's clock; exposed for deterministic tests of
// last_modified monotonicity.
func (p *Pool) SetClock(fn func() int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = fn
}
