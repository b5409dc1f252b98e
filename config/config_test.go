package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")
	t.Setenv("DECAY_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != DefaultPort || cfg.DecayInterval != DefaultDecayInterval || cfg.WelcomeBonus != DefaultWelcomeBonus {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "guildhall.yaml")
	yaml := "port: \"9000\"\ndecayInterval: 1h\ndecayPoints: 4\nadvisorURL: http://advisor.local\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("DECAY_INTERVAL", "")
	t.Setenv("DECAY_POINTS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9100" {
		t.Fatalf("env must override file, got port %q", cfg.Port)
	}
	if cfg.DecayInterval != time.Hour || cfg.DecayPoints != 4 {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.AdvisorURL != "http://advisor.local" {
		t.Fatalf("unexpected advisor url %q", cfg.AdvisorURL)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("WELCOME_BONUS", "")
	os.Unsetenv("WELCOME_BONUS")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WELCOME_BONUS=250\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("WELCOME_BONUS") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WelcomeBonus != 250 {
		t.Fatalf("expected .env value, got %d", cfg.WelcomeBonus)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
