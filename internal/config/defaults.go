package config

import "github.com/latticefs/odsync/internal/driveid"

// Default values for configuration options. These represent the "layer 0"
// of the override chain and are chosen to be safe, reasonable starting
// points that work for most users without any config file.
const (
	defaultThreads            = 8
	defaultFileFragmentSize   = 10 // MiB
	defaultRateLimit          = "0"
	defaultTransferOrder      = "default"
	defaultBigDeleteThreshold = 1000
	defaultSpaceReservation   = "50MiB"
	defaultPollInterval       = "5m"
	defaultShutdownTimeout    = "30s"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultLogRetentionDays   = 30
	defaultConnectTimeout     = "10s"
	defaultDataTimeout        = "60s"
	defaultTombstoneRetention = 30
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		FilterConfig:    defaultFilterConfig(),
		TransfersConfig: defaultTransfersConfig(),
		SafetyConfig:    defaultSafetyConfig(),
		SyncConfig:      defaultSyncConfig(),
		LoggingConfig:   defaultLoggingConfig(),
		NetworkConfig:   defaultNetworkConfig(),
		Drives:          make(map[driveid.CanonicalID]Drive),
	}
}

func defaultFilterConfig() FilterConfig {
	return FilterConfig{
		SkipDotfiles: false,
		SkipSymlinks: false,
		SkipSize:     0,
		CheckNosync:  false,
	}
}

func defaultTransfersConfig() TransfersConfig {
	return TransfersConfig{
		Threads:          defaultThreads,
		FileFragmentSize: defaultFileFragmentSize,
		RateLimit:        defaultRateLimit,
		TransferOrder:    defaultTransferOrder,
	}
}

func defaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		ClassifyAsBigDelete:    defaultBigDeleteThreshold,
		SpaceReservation:       defaultSpaceReservation,
		UseRecycleBin:          true,
		TombstoneRetentionDays: defaultTombstoneRetention,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		PollInterval:    defaultPollInterval,
		Websocket:       true,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		LogRetentionDays: defaultLogRetentionDays,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}
