// Environment and URL resolution for the CLI.
//
// Precedence, highest first: explicit override (--api-url flag), the
// CYBERWAVE_* process environment, the persisted config file, built-in
// defaults. Resolution happens once per invocation; an explicit override
// also invalidates any previously cached reachability determination.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Built-in environments. Each names a backend/frontend URL pair.
const (
	EnvProduction = "production"
	EnvStaging    = "staging"
	EnvLocal      = "local"
)

var builtinEnvironments = map[string][2]string{
	EnvProduction: {"https://api.cyberwave.com", "https://app.cyberwave.com"},
	EnvStaging:    {"https://api.staging.cyberwave.com", "https://app.staging.cyberwave.com"},
	EnvLocal:      {"http://localhost:8000", "http://localhost:3000"},
}

// Settings resolves URLs and user configuration for one invocation.
type Settings struct {
	v         *viper.Viper
	configDir string

	// overrideURL is the explicit --api-url flag value, highest precedence.
	overrideURL string
}

// ResolveConfigDir picks the config directory: explicit override, then the
// CYBERWAVE_CONFIG_DIR env var, then a system-wide location when writable,
// then the per-user fallback.
func ResolveConfigDir(override string) string {
	if override != "" {
		return override
	}
	if dir := os.Getenv("CYBERWAVE_CONFIG_DIR"); dir != "" {
		return dir
	}
	system := "/etc/cyberwave"
	if info, err := os.Stat(system); err == nil && info.IsDir() {
		if f, err := os.CreateTemp(system, ".wtest-*"); err == nil {
			f.Close()
			os.Remove(f.Name())
			return system
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cyberwave"
	}
	return filepath.Join(home, ".cyberwave")
}

// NewSettings loads the persisted config file (if any) and binds the
// CYBERWAVE_* environment variables.
func NewSettings(configDir, overrideURL string) (*Settings, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, &StorageError{Op: "create config dir", Err: err}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("CYBERWAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", EnvProduction)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &StorageError{Op: "read config", Err: err}
		}
	}

	return &Settings{v: v, configDir: configDir, overrideURL: overrideURL}, nil
}

// ConfigDir returns the resolved config directory.
func (s *Settings) ConfigDir() string { return s.configDir }

// EnvironmentName returns the active environment name.
func (s *Settings) EnvironmentName() string {
	return strings.ToLower(s.v.GetString("environment"))
}

// BackendURL resolves the backend base URL for this invocation.
func (s *Settings) BackendURL() string {
	if s.overrideURL != "" {
		return strings.TrimRight(s.overrideURL, "/")
	}
	if u := s.v.GetString("api_url"); u != "" {
		return strings.TrimRight(u, "/")
	}
	if pair, ok := builtinEnvironments[s.EnvironmentName()]; ok {
		return pair[0]
	}
	return builtinEnvironments[EnvProduction][0]
}

// FrontendURL resolves the frontend base URL, used in verification links.
func (s *Settings) FrontendURL() string {
	if u := s.v.GetString("frontend_url"); u != "" {
		return strings.TrimRight(u, "/")
	}
	if pair, ok := builtinEnvironments[s.EnvironmentName()]; ok {
		return pair[1]
	}
	return builtinEnvironments[EnvProduction][1]
}

// HasOverride reports whether an explicit URL override is in effect.
func (s *Settings) HasOverride() bool { return s.overrideURL != "" }

// Get returns a persisted or defaulted config value.
func (s *Settings) Get(key string) string {
	return s.v.GetString(key)
}

// Set persists a config value to the config file.
func (s *Settings) Set(key, value string) error {
	if key == "environment" {
		name := strings.ToLower(value)
		if _, ok := builtinEnvironments[name]; !ok {
			return fmt.Errorf("unknown environment %q (expected %s, %s, or %s)",
				value, EnvProduction, EnvStaging, EnvLocal)
		}
		value = name
	}
	s.v.Set(key, value)
	path := filepath.Join(s.configDir, "config.yaml")
	if err := s.v.WriteConfigAs(path); err != nil {
		return &StorageError{Op: "write config", Err: err}
	}
	return nil
}

// AllSettings returns the full resolved configuration map.
func (s *Settings) AllSettings() map[string]any {
	return s.v.AllSettings()
}
