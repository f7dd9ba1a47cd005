package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"tradingcore/internal/config"
)

// Config is an alias for the project's main configuration struct.
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs the
// pre-flight checks spec.md §6 requires before the engine starts:
// missing credentials or an unwritable state/snapshot directory must fail
// startup with a non-zero exit rather than surface later as a tick-loop
// error.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *Config) error {
	if cfg.Exchange.Name != "mock" {
		if cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "" {
			return fmt.Errorf("exchange %q requires api_key and secret_key", cfg.Exchange.Name)
		}
	}

	if err := checkDirWritable(cfg.System.StateDir); err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}
	if err := checkDirWritable(cfg.System.LogDir); err != nil {
		return fmt.Errorf("log_dir: %w", err)
	}
	if cfg.Snapshot.Enabled {
		if err := checkDirWritable(cfg.Snapshot.Dir); err != nil {
			return fmt.Errorf("snapshot.dir: %w", err)
		}
	}

	return nil
}

// checkDirWritable ensures dir exists (creating it if missing) and is
// writable, by creating and removing a probe file.
func checkDirWritable(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	_ = os.Remove(probe)
	return nil
}
