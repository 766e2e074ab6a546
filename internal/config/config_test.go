package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, "registry_dir: fixtures\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RegistryDir != "fixtures" {
		t.Fatalf("registry_dir=%q", cfg.RegistryDir)
	}
	if cfg.SamplesPerCase != 1 {
		t.Fatalf("samples_per_case=%d", cfg.SamplesPerCase)
	}
	if cfg.Snapshot.StatementTimeoutMs != 30000 {
		t.Fatalf("statement_timeout_ms=%d", cfg.Snapshot.StatementTimeoutMs)
	}
	if cfg.Backend.Kind != "http" {
		t.Fatalf("backend.kind=%q", cfg.Backend.Kind)
	}
	if cfg.Backend.MaxConcurrency != 2 {
		t.Fatalf("backend.max_concurrency=%d", cfg.Backend.MaxConcurrency)
	}
}

func TestLoadEnsuresDatabaseInDSN(t *testing.T) {
	path := writeConfigFile(t, `
snapshot:
  dsn: root:@tcp(10.0.0.5:4000)/?charset=utf8mb4
  database: climate_q3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := "root:@tcp(10.0.0.5:4000)/climate_q3?charset=utf8mb4"
	if cfg.Snapshot.DSN != want {
		t.Fatalf("dsn=%q want %q", cfg.Snapshot.DSN, want)
	}
}

func TestLoadKeepsExplicitDSNDatabase(t *testing.T) {
	path := writeConfigFile(t, `
snapshot:
  dsn: root:@tcp(10.0.0.5:4000)/already_there
  database: climate_q3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Snapshot.DSN != "root:@tcp(10.0.0.5:4000)/already_there" {
		t.Fatalf("dsn=%q", cfg.Snapshot.DSN)
	}
}

func TestLoadClampsNonPositives(t *testing.T) {
	path := writeConfigFile(t, `
samples_per_case: -3
workers: 0
backend:
  kind: script
  script_path: replies.yaml
  max_concurrency: -1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SamplesPerCase != 1 {
		t.Fatalf("samples_per_case=%d", cfg.SamplesPerCase)
	}
	if cfg.Workers != 1 {
		t.Fatalf("workers=%d", cfg.Workers)
	}
	if cfg.Backend.MaxConcurrency != 2 {
		t.Fatalf("backend.max_concurrency=%d", cfg.Backend.MaxConcurrency)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	normalizeConfig(&cfg)
	cfg.Backend.Endpoint = "http://127.0.0.1:8080/translate"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	bad := cfg
	bad.Backend.Kind = "grpc"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for unknown backend kind")
	}

	bad = cfg
	bad.Backend.Endpoint = ""
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for http backend without endpoint")
	}

	bad = cfg
	bad.RegistryDir = ""
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for missing registry_dir")
	}
}

func TestUpdateDatabaseInDSN(t *testing.T) {
	got := UpdateDatabaseInDSN("root:@tcp(127.0.0.1:4000)/climate?parseTime=true", "climate_q4")
	want := "root:@tcp(127.0.0.1:4000)/climate_q4?parseTime=true"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := UpdateDatabaseInDSN("root:@tcp(127.0.0.1:4000)/old", "new"); got != "root:@tcp(127.0.0.1:4000)/new" {
		t.Fatalf("got %q", got)
	}
}

func TestServerDSN(t *testing.T) {
	got := ServerDSN("root:@tcp(127.0.0.1:4000)/climate?parseTime=true")
	want := "root:@tcp(127.0.0.1:4000)/?parseTime=true"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := ServerDSN("root:@tcp(127.0.0.1:4000)/climate"); got != "root:@tcp(127.0.0.1:4000)/" {
		t.Fatalf("got %q", got)
	}
}
