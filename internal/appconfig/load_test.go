package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 99
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsDefaultBaseOutsideCatalog(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
images:
  default: fedora:43
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "images.default") {
		t.Fatalf("expected catalog error, got %v", err)
	}
}

func TestLoadRejectsBadDatabaseEndpoint(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
database:
  endpoint: just-a-host
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "database.endpoint") {
		t.Fatalf("expected endpoint error, got %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
sites_root: /srv/sites
http:
  addr: ":8080"
quota:
  memory_bytes: 268435456
supervisor:
  issue_attempts: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SitesRoot != "/srv/sites" {
		t.Fatalf("sites_root not applied: %q", cfg.SitesRoot)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("http.addr not applied: %q", cfg.HTTP.Addr)
	}
	if cfg.Quota.MemoryBytes != 268435456 {
		t.Fatalf("quota.memory_bytes not applied: %d", cfg.Quota.MemoryBytes)
	}
	if cfg.Supervisor.IssueAttempts != 5 {
		t.Fatalf("supervisor.issue_attempts not applied: %d", cfg.Supervisor.IssueAttempts)
	}
	if cfg.Runtime.Containerd.Namespace != "director" {
		t.Fatalf("default namespace lost: %q", cfg.Runtime.Containerd.Namespace)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("expected default config, got version %d", cfg.ConfigVersion)
	}
	if cfg.Images.Default != "debian:13" {
		t.Fatalf("expected default base alias, got %q", cfg.Images.Default)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
