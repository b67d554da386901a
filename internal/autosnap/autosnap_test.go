package autosnap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sharedmem/poold/internal/pool"
)

func TestSchedulerRunsSnapshot(t *testing.T) {
	p, err := pool.New(pool.Config{PoolBytes: 4096 * 8, PageBytes: 4096})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	if _, err := p.Allocate("doc", []byte("hello")); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "auto.bin")

	s, err := New(p, path, "@every 1s")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected a snapshot file to appear at %s within the deadline", path)
}

func TestNewRejectsBadCronExpr(t *testing.T) {
	p, _ := pool.New(pool.Config{PoolBytes: 4096 * 8, PageBytes: 4096})
	if _, err := New(p, "/tmp/x.bin", "not a cron expr"); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
}
