package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sharedmem/poold/internal/pool"
)

func TestBuildPoolserver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out := filepath.Join(os.TempDir(), "poolserver_bin")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", out, ".")
	cmd.Env = os.Environ()
	if outp, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(out)
		t.Fatalf("go build failed: %v\n%s", err, string(outp))
	}
	_ = os.Remove(out)
}

func newTestAdminServer(t *testing.T) *adminServer {
	t.Helper()
	p, err := pool.New(pool.Config{PoolBytes: 4096 * 16, PageBytes: 4096})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	return &adminServer{pool: p}
}

func TestAdminServerStatus(t *testing.T) {
	a := newTestAdminServer(t)
	if _, err := a.pool.Allocate("doc", []byte("hello")); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	resp, err := a.Status(context.Background(), &statusRequest{})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !strings.Contains(resp.Report, "memory_00001") {
		t.Fatalf("expected full report to list the entry, got %q", resp.Report)
	}

	brief, err := a.Status(context.Background(), &statusRequest{Brief: true})
	if err != nil {
		t.Fatalf("Status(brief): %v", err)
	}
	if strings.Contains(brief.Report, "memory_00001") {
		t.Fatalf("expected brief report to omit entries, got %q", brief.Report)
	}
}

func TestAdminServerCompact(t *testing.T) {
	a := newTestAdminServer(t)
	resp, err := a.Compact(context.Background(), &compactRequest{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected OK true")
	}
}

func TestAdminServerSnapshot(t *testing.T) {
	a := newTestAdminServer(t)
	if _, err := a.pool.Allocate("doc", []byte("hello")); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "snap.bin")
	resp, err := a.Snapshot(context.Background(), &snapshotRequest{Path: path})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !resp.OK || resp.Error != "" {
		t.Fatalf("unexpected snapshot response: %+v", resp)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file to exist: %v", err)
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	in := &statusRequest{Brief: true}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out statusRequest
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Brief != true {
		t.Fatalf("expected Brief true after round trip")
	}
}
