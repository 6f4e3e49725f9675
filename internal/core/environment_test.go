package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSettings_DefaultEnvironment(t *testing.T) {
	settings := testSettings(t)

	if got := settings.EnvironmentName(); got != EnvProduction {
		t.Errorf("default environment = %q, want %q", got, EnvProduction)
	}
	if got := settings.BackendURL(); got != "https://api.cyberwave.com" {
		t.Errorf("default backend URL = %q", got)
	}
	if got := settings.FrontendURL(); got != "https://app.cyberwave.com" {
		t.Errorf("default frontend URL = %q", got)
	}
}

func TestSettings_ConfigFileSelectsEnvironment(t *testing.T) {
	dir := t.TempDir()
	cfg := "environment: staging\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	settings, err := NewSettings(dir, "")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if got := settings.BackendURL(); got != "https://api.staging.cyberwave.com" {
		t.Errorf("backend URL = %q, want staging", got)
	}
}

func TestSettings_EnvVarBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := "api_url: https://from-file.example.com\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CYBERWAVE_API_URL", "https://from-env.example.com")

	settings, err := NewSettings(dir, "")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if got := settings.BackendURL(); got != "https://from-env.example.com" {
		t.Errorf("backend URL = %q, want env value", got)
	}
}

func TestSettings_OverrideBeatsEverything(t *testing.T) {
	t.Setenv("CYBERWAVE_API_URL", "https://from-env.example.com")

	settings, err := NewSettings(t.TempDir(), "https://override.example.com/")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if got := settings.BackendURL(); got != "https://override.example.com" {
		t.Errorf("backend URL = %q, want trimmed override", got)
	}
	if !settings.HasOverride() {
		t.Error("HasOverride should report the flag")
	}
}

func TestSettings_SetPersists(t *testing.T) {
	dir := t.TempDir()
	settings, err := NewSettings(dir, "")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}

	if err := settings.Set("environment", "Local"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// A fresh load of the same directory sees the persisted value.
	reloaded, err := NewSettings(dir, "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.EnvironmentName(); got != EnvLocal {
		t.Errorf("environment = %q after reload, want %q", got, EnvLocal)
	}
	if got := reloaded.BackendURL(); got != "http://localhost:8000" {
		t.Errorf("backend URL = %q, want local", got)
	}
}

func TestSettings_SetRejectsUnknownEnvironment(t *testing.T) {
	settings := testSettings(t)

	err := settings.Set("environment", "intergalactic")
	if err == nil {
		t.Fatal("expected error for unknown environment")
	}
	if !strings.Contains(err.Error(), "intergalactic") {
		t.Errorf("error should name the rejected value: %v", err)
	}
}

func TestResolveConfigDir(t *testing.T) {
	if got := ResolveConfigDir("/explicit/dir"); got != "/explicit/dir" {
		t.Errorf("override ignored: %q", got)
	}

	t.Setenv("CYBERWAVE_CONFIG_DIR", "/from/env")
	if got := ResolveConfigDir(""); got != "/from/env" {
		t.Errorf("env var ignored: %q", got)
	}
}
