package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(LoaderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "xrypton.db" {
		t.Errorf("expected default database_url, got %q", cfg.DatabaseURL)
	}
	if cfg.ServerHostname != "localhost" {
		t.Errorf("expected default server_hostname, got %q", cfg.ServerHostname)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
database_url = "file.db"
listen_addr = ":8080"
server_hostname = "example.test"
federation_allow_http = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(LoaderOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "file.db" {
		t.Errorf("expected database_url from file, got %q", cfg.DatabaseURL)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected listen_addr from file, got %q", cfg.ListenAddr)
	}
	if !cfg.FederationAllowHTTP {
		t.Errorf("expected federation_allow_http true from file")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(LoaderOptions{ConfigPath: "/nonexistent/config.toml"})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`server_hostname = "file.test"`), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("SERVER_HOSTNAME", "env.test")

	cfg, err := Load(LoaderOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerHostname != "env.test" {
		t.Errorf("expected env var to override file, got %q", cfg.ServerHostname)
	}
}

func TestValidateRejectsEmptyHostname(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerHostname = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty server_hostname")
	}
}

func TestValidateRejectsMismatchedVAPIDKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VAPIDPublicKey = "pub"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for mismatched VAPID keys")
	}
}
