package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poolserver.yaml")
	contents := `
pool_bytes: 134217728
page_bytes: 4096
listen_addr: ":9120"
grpc_addr: ":9121"
snapshot_path: "/var/lib/poold/snap.bin"
snapshot_cron: "*/5 * * * *"
restore_on_start: true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.PoolBytes != 134217728 || f.PageBytes != 4096 {
		t.Fatalf("unexpected geometry: %+v", f)
	}
	if f.ListenAddr != ":9120" || f.GRPCAddr != ":9121" {
		t.Fatalf("unexpected addresses: %+v", f)
	}
	if f.SnapshotPath != "/var/lib/poold/snap.bin" || f.SnapshotCron != "*/5 * * * *" {
		t.Fatalf("unexpected snapshot config: %+v", f)
	}
	if !f.RestoreOnStart {
		t.Fatalf("expected RestoreOnStart true")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
