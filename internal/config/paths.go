package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains all the application paths.
// This is the single source of truth for file locations.
type Paths struct {
	RootDir    string
	ConfigDir  string
	DataDir    string
	LogsDir    string
	StateFile  string
	ConfigFile string
}

// GetPaths resolves the per-user application directories.
//
// Layout:
//
//	<UserConfigDir>/AiChemistTransmutations/
//	  ├── config/licensing.yaml
//	  ├── data/activation.json
//	  └── logs/licensing.log
//
// AICHEMIST_HOME replaces the root for portable installs and tests.
func GetPaths() (*Paths, error) {
	root := os.Getenv(EnvPrefix + "_HOME")
	if root == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user config dir: %w", err)
		}
		root = filepath.Join(base, AppDirName)
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve application root %q: %w", root, err)
	}

	configDir := filepath.Join(root, "config")
	dataDir := filepath.Join(root, "data")

	return &Paths{
		RootDir:    root,
		ConfigDir:  configDir,
		DataDir:    dataDir,
		LogsDir:    filepath.Join(root, "logs"),
		StateFile:  filepath.Join(dataDir, StateFileName),
		ConfigFile: filepath.Join(configDir, ConfigFileName),
	}, nil
}

// EnsureDirectories creates all required directories. Permissions are
// restricted to the current user since the data dir holds activation state.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.RootDir, p.ConfigDir, p.DataDir, p.LogsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogPathResolution logs all resolved paths for debugging
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	logger.Info("Application paths resolved",
		slog.String("root_dir", p.RootDir),
		slog.String("config_file", p.ConfigFile),
		slog.String("data_dir", p.DataDir),
		slog.String("logs_dir", p.LogsDir),
		slog.String("state_file", p.StateFile),
	)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
