package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig  = "ONEDRIVE_GO_CONFIG"
	EnvDrive   = "ONEDRIVE_GO_DRIVE"
	EnvSyncDir = "ONEDRIVE_GO_SYNC_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // ONEDRIVE_GO_CONFIG: override config file path
	Drive      string // ONEDRIVE_GO_DRIVE: drive selector
	SyncDir    string // ONEDRIVE_GO_SYNC_DIR: sync directory override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	overrides := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Drive:      os.Getenv(EnvDrive),
		SyncDir:    os.Getenv(EnvSyncDir),
	}

	if overrides.ConfigPath != "" || overrides.Drive != "" || overrides.SyncDir != "" {
		logger.Debug("environment overrides detected",
			"config", overrides.ConfigPath,
			"drive", overrides.Drive,
			"sync_dir", overrides.SyncDir,
		)
	}

	return overrides
}

// CLIOverrides holds values derived from command-line flags; they take
// precedence over both the config file and environment variables.
type CLIOverrides struct {
	ConfigPath string
	Drive      string
	DryRun     *bool
}
