// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for odsync.
package config

import "github.com/latticefs/odsync/internal/driveid"

// Config is the top-level configuration: flat global settings decoded into
// the embedded section structs, plus one [drive] table per configured drive
// (section keys are canonical drive IDs, which contain ":").
type Config struct {
	FilterConfig
	TransfersConfig
	SafetyConfig
	SyncConfig
	LoggingConfig
	NetworkConfig

	// Drives holds per-drive sections, keyed by canonical drive ID.
	// Populated by the second decode pass (keys containing ":").
	Drives map[driveid.CanonicalID]Drive `toml:"-"`
}

// FilterConfig controls which files and directories are included in sync.
type FilterConfig struct {
	SkipFiles     []string `toml:"skip_file"`
	SkipDirs      []string `toml:"skip_dir"`
	SkipDotfiles  bool     `toml:"skip_dotfiles"`
	SkipSymlinks  bool     `toml:"skip_symlinks"`
	SkipSize      int64    `toml:"skip_size"` // MiB; 0 = no limit
	SyncList      []string `toml:"sync_list"`
	SyncRootFiles bool     `toml:"sync_root_files"`
	CheckNosync   bool     `toml:"check_nosync"`
}

// TransfersConfig controls parallel workers, fragmenting, and bandwidth.
type TransfersConfig struct {
	Threads            int    `toml:"threads"`
	FileFragmentSize   int64  `toml:"file_fragment_size"` // MiB per upload fragment
	RateLimit          string `toml:"rate_limit"`         // e.g. "5MB/s"; "0" = unlimited
	TransferOrder      string `toml:"transfer_order"`
	ForceSessionUpload bool   `toml:"force_session_upload"`
	ForceChildrenScan  bool   `toml:"force_children_scan"`
}

// SafetyConfig controls protective defaults and thresholds.
type SafetyConfig struct {
	ClassifyAsBigDelete       int    `toml:"classify_as_big_delete"`
	SpaceReservation          string `toml:"space_reservation"` // kept free on the local volume
	UseRecycleBin             bool   `toml:"use_recycle_bin"`
	PermanentDelete           bool   `toml:"permanent_delete"`
	NoRemoteDelete            bool   `toml:"no_remote_delete"`
	BypassDataPreservation    bool   `toml:"bypass_data_preservation"`
	DisableDownloadValidation bool   `toml:"disable_download_validation"`
	DisableUploadValidation   bool   `toml:"disable_upload_validation"`
	CreateNewFileVersion      bool   `toml:"create_new_file_version"`
	TombstoneRetentionDays    int    `toml:"tombstone_retention_days"`
}

// SyncConfig controls sync engine behavior.
type SyncConfig struct {
	PollInterval            string `toml:"poll_interval"`
	Websocket               bool   `toml:"websocket"`
	DryRun                  bool   `toml:"dry_run"`
	SyncBusinessSharedItems bool   `toml:"sync_business_shared_items"`
	SyncBusinessSharedFiles bool   `toml:"sync_business_shared_files"`
	WriteXattrData          bool   `toml:"write_xattr_data"`
	NotifyFileActions       bool   `toml:"notify_file_actions"`
	ShutdownTimeout         string `toml:"shutdown_timeout"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
	ForceHTTP11    bool   `toml:"force_http_11"`

	// AzureADEndpoint selects a sovereign deployment (USL4, USL5, DE, CN).
	// Those variants have no native delta feed; the engine simulates one.
	AzureADEndpoint string `toml:"azure_ad_endpoint"`
}

// Drive is one per-drive config section. Pointer fields distinguish "unset"
// (inherit the global value) from an explicit override.
type Drive struct {
	SyncDir      string   `toml:"sync_dir"`
	StateDir     string   `toml:"state_dir"`
	Alias        string   `toml:"alias"`
	DisplayName  string   `toml:"display_name"`
	RemotePath   string   `toml:"remote_path"`
	DriveID      string   `toml:"drive_id"`
	Enabled      *bool    `toml:"enabled"`
	Paused       *bool    `toml:"paused"`
	SkipDotfiles *bool    `toml:"skip_dotfiles"`
	SkipDirs     []string `toml:"skip_dir"`
	SkipFiles    []string `toml:"skip_file"`
	PollInterval string   `toml:"poll_interval"`
}
