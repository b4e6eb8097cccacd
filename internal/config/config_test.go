package config

import (
	"testing"
)

func TestLoad_defaults(t *testing.T) {
	v := NewViper()
	v.Set("database.path", "test.docdb")
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend != "bolt" {
		t.Errorf("Backend = %q, wanted bolt", cfg.Backend)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, wanted warn", cfg.LogLevel)
	}
	if cfg.CacheSize != 100 {
		t.Errorf("CacheSize = %d, wanted 100", cfg.CacheSize)
	}
	if cfg.MaxRevTreeDepth != 20 {
		t.Errorf("MaxRevTreeDepth = %d, wanted 20", cfg.MaxRevTreeDepth)
	}
}

func TestLoad_env(t *testing.T) {
	t.Setenv("DOCDB_DATABASE_PATH", "/tmp/env.docdb")
	t.Setenv("DOCDB_DATABASE_BACKEND", "Pebble")
	t.Setenv("DOCDB_LOG_VERBOSE", "true")
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabasePath != "/tmp/env.docdb" {
		t.Errorf("DatabasePath = %q, wanted /tmp/env.docdb", cfg.DatabasePath)
	}
	if cfg.Backend != "pebble" {
		t.Errorf("Backend = %q, wanted pebble", cfg.Backend)
	}
	if !cfg.Verbose {
		t.Errorf("Verbose = false, wanted true")
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{"no path", nil},
		{"bad backend", map[string]any{"database.path": "x", "database.backend": "sqlite"}},
		{"negative cache", map[string]any{"database.path": "x", "database.cache_size": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			if _, err := Load(v); err == nil {
				t.Fatalf("Load() succeeded, wanted error")
			}
		})
	}
}
