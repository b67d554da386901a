package arena

import "testing"

func TestNewRejectsNonMultiple(t *testing.T) {
	if _, err := New(100, 30); err == nil {
		t.Fatalf("expected error for non-multiple poolBytes/pageBytes")
	}
	if _, err := New(0, 30); err == nil {
		t.Fatalf("expected error for zero poolBytes")
	}
}

func TestFindRunFirstFit(t *testing.T) {
	a, err := New(4096*8, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start, ok := a.FindRun(3)
	if !ok || start != 0 {
		t.Fatalf("expected run at 0, got start=%d ok=%v", start, ok)
	}
	a.MarkUsed(0, 3)
	start, ok = a.FindRun(2)
	if !ok || start != 3 {
		t.Fatalf("expected run at 3, got start=%d ok=%v", start, ok)
	}
}

func TestFindRunNoneAvailable(t *testing.T) {
	a, _ := New(4096*4, 4096)
	a.MarkUsed(0, 4)
	if _, ok := a.FindRun(1); ok {
		t.Fatalf("expected no run available")
	}
}

func TestMarkUsedFreeAdjustsFreePages(t *testing.T) {
	a, _ := New(4096*8, 4096)
	if a.FreePageCount() != 8 {
		t.Fatalf("expected 8 free pages, got %d", a.FreePageCount())
	}
	a.MarkUsed(0, 3)
	if a.FreePageCount() != 5 {
		t.Fatalf("expected 5 free pages after marking 3 used, got %d", a.FreePageCount())
	}
	// Marking an already-used page used again must not double-decrement.
	a.MarkUsed(0, 3)
	if a.FreePageCount() != 5 {
		t.Fatalf("expected 5 free pages after re-marking same range, got %d", a.FreePageCount())
	}
	a.MarkFree(0, 3)
	if a.FreePageCount() != 8 {
		t.Fatalf("expected 8 free pages after freeing, got %d", a.FreePageCount())
	}
}

func TestWriteReadRun(t *testing.T) {
	a, _ := New(4096*2, 4096)
	data := []byte("hello world")
	a.WriteRun(0, 1, data)
	got := a.ReadRun(0, 1)
	if string(got[:len(data)]) != string(data) {
		t.Fatalf("round trip mismatch: got %q", got[:len(data)])
	}
	for i := len(data); i < 4096; i++ {
		if got[i] != 0 {
			t.Fatalf("expected zero-pad at offset %d, got %d", i, got[i])
		}
	}
}

func TestReadRunAliasesBuffer(t *testing.T) {
	a, _ := New(4096, 4096)
	a.WriteRun(0, 1, []byte("abc"))
	got := a.ReadRun(0, 1)
	got[0] = 'z'
	again := a.ReadRun(0, 1)
	if again[0] != 'z' {
		t.Fatalf("expected ReadRun to alias the backing buffer")
	}
}

func TestCompactSlidesEntriesForward(t *testing.T) {
	a, _ := New(4096*10, 4096)
	// lay out three entries with gaps between them
	a.MarkUsed(0, 2)
	a.WriteRun(0, 2, []byte("AA"))
	a.MarkUsed(4, 2)
	a.WriteRun(4, 2, []byte("BB"))
	a.MarkUsed(8, 2)
	a.WriteRun(8, 2, []byte("CC"))

	entries := []Entry{
		{FirstPage: 0, PageCount: 2},
		{FirstPage: 4, PageCount: 2},
		{FirstPage: 8, PageCount: 2},
	}
	newFirst := a.Compact(entries)
	if newFirst[0] != 0 || newFirst[1] != 2 || newFirst[2] != 4 {
		t.Fatalf("unexpected compacted offsets: %v", newFirst)
	}
	if a.FreePageCount() != 4 {
		t.Fatalf("expected 4 free pages after compaction, got %d", a.FreePageCount())
	}
	if a.MaxFreeRun() != 4 {
		t.Fatalf("expected the free run to be contiguous (4), got %d", a.MaxFreeRun())
	}
	if got := a.ReadRun(2, 2); string(got[:2]) != "BB" {
		t.Fatalf("expected BB at relocated offset 2, got %q", got[:2])
	}
	if got := a.ReadRun(4, 2); string(got[:2]) != "CC" {
		t.Fatalf("expected CC at relocated offset 4, got %q", got[:2])
	}
}

func TestFreeFragments(t *testing.T) {
	a, _ := New(4096*6, 4096)
	if a.FreeFragments() != 1 {
		t.Fatalf("expected 1 fragment for an entirely free arena, got %d", a.FreeFragments())
	}
	a.MarkUsed(2, 1)
	if a.FreeFragments() != 2 {
		t.Fatalf("expected 2 fragments after splitting the free run, got %d", a.FreeFragments())
	}
}

func TestPopCountMatchesFreePages(t *testing.T) {
	a, _ := New(4096*8, 4096)
	a.MarkUsed(1, 3)
	if a.PopCount() != 3 {
		t.Fatalf("expected popcount 3, got %d", a.PopCount())
	}
	if a.PopCount() != a.PageCount()-a.FreePageCount() {
		t.Fatalf("popcount should equal used pages")
	}
}
