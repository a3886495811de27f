package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"OpenCGM-Host/internal/auth"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cgmhost.json")
	if err := os.WriteFile(path, []byte(`{"server":{"address":":9090"},"sync":{"static_file":"limits.yaml"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("address overwritten: %s", cfg.Server.Address)
	}
	if cfg.Plugins.Dir != filepath.Join(dir, "plugins") || cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected dirs %s %s", cfg.Plugins.Dir, cfg.Runtime.DataDir)
	}
	if cfg.Sync.StaticFile != filepath.Join(dir, "limits.yaml") {
		t.Fatalf("static file not resolved: %s", cfg.Sync.StaticFile)
	}
	if cfg.Storage.Settings.Driver != "memory" || cfg.Storage.Credentials.Driver != "memory" || cfg.Sync.Driver != "static" {
		t.Fatalf("unexpected drivers %+v %+v", cfg.Storage, cfg.Sync.Driver)
	}
	if cfg.Collector.Interval() != 5*time.Minute || cfg.Collector.MaxAttempts != 3 {
		t.Fatalf("unexpected collector defaults %+v", cfg.Collector)
	}
	if cfg.Plugins.LuaCallTimeout() != 5*time.Second {
		t.Fatalf("unexpected lua timeout %s", cfg.Plugins.LuaCallTimeout())
	}
	if cfg.Auth.Mode != "" {
		t.Fatalf("auth should default to disabled, got %q", cfg.Auth.Mode)
	}
}

func TestLoadAuthSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cgmhost.json")
	body := `{"auth":{"mode":"token","tokens":[{"name":"clinic","sha256":"` + auth.HashToken("t") + `","permissions":["*"]}]}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := auth.NewService(cfg.Auth); err != nil {
		t.Fatalf("auth config should be usable: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(path, []byte("{"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default("/srv/cgm")
	if cfg.Server.Address != ":8080" || cfg.Plugins.Dir != "/srv/cgm/plugins" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "cgmhost.json"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if !filepath.IsAbs(cfg.Plugins.RegistryConfig) && filepath.Base(cfg.Plugins.RegistryConfig) != "registry.yaml" {
		t.Fatalf("unexpected registry config path %q", cfg.Plugins.RegistryConfig)
	}
	if filepath.Base(cfg.Sync.StaticFile) != "settings.json" {
		t.Fatalf("unexpected static settings path %q", cfg.Sync.StaticFile)
	}
	if _, err := auth.NewService(cfg.Auth); err != nil {
		t.Fatalf("shipped auth section rejected: %v", err)
	}
	if _, err := os.Stat(cfg.Sync.StaticFile); err != nil {
		t.Fatalf("static settings file missing: %v", err)
	}
}
