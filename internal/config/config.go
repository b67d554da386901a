// Package config loads the optional YAML overlay consulted by
// cmd/poolserver. Flags set on the command line always win over the file
// (the caller is expected to track that with flag.Visit), adding a
// file-based overlay for the values an operator wants to keep under
// version control.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a poolserver config file.
type File struct {
	PoolBytes      int64  `yaml:"pool_bytes"`
	PageBytes      int64  `yaml:"page_bytes"`
	ListenAddr     string `yaml:"listen_addr"`
	GRPCAddr       string `yaml:"grpc_addr"`
	SnapshotPath   string `yaml:"snapshot_path"`
	SnapshotCron   string `yaml:"snapshot_cron"`
	RestoreOnStart bool   `yaml:"restore_on_start"`
}

// Load parses a YAML config file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}
