package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minThreads         = 1
	maxThreads         = 64
	minBigDelete       = 1
	minLogRetention    = 1
	fragmentAlignMiB   = 320.0 / 1024.0 // fragment sizes are MiB multiples of 320 KiB
	minFragmentMiB     = 1
	maxFragmentMiB     = 59
	minPollInterval    = 5 * time.Minute
	minShutdownTimeout = 5 * time.Second
	minConnectTimeout  = 1 * time.Second
	minDataTimeout     = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateDrives(cfg)...)
	errs = append(errs, validateFilter(&cfg.FilterConfig)...)
	errs = append(errs, validateTransfers(&cfg.TransfersConfig)...)
	errs = append(errs, validateSafety(&cfg.SafetyConfig)...)
	errs = append(errs, validateSync(&cfg.SyncConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks cross-field constraints on a fully resolved drive.
// Unlike Validate(), which checks raw config file values, this runs after
// the override chain (defaults -> file -> env -> CLI) has been applied.
func ValidateResolved(rd *ResolvedDrive) error {
	var errs []error

	// SyncDir must be absolute after tilde expansion and env/CLI overrides.
	// Relative paths would resolve differently depending on cwd.
	if rd.SyncDir != "" && !filepath.IsAbs(rd.SyncDir) {
		errs = append(errs, fmt.Errorf("sync_dir: must be absolute after expansion, got %q", rd.SyncDir))
	}

	return errors.Join(errs...)
}

func validateFilter(f *FilterConfig) []error {
	var errs []error

	if f.SkipSize < 0 {
		errs = append(errs, fmt.Errorf("skip_size: must be >= 0 MiB, got %d", f.SkipSize))
	}

	for _, p := range f.SyncList {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, errors.New("sync_list: entries must not be blank"))
		}
	}

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.Threads < minThreads || t.Threads > maxThreads {
		errs = append(errs, fmt.Errorf("threads: must be between %d and %d, got %d",
			minThreads, maxThreads, t.Threads))
	}

	if t.FileFragmentSize < minFragmentMiB || t.FileFragmentSize > maxFragmentMiB {
		errs = append(errs, fmt.Errorf("file_fragment_size: must be between %d and %d MiB, got %d",
			minFragmentMiB, maxFragmentMiB, t.FileFragmentSize))
	}

	if t.RateLimit != "" && t.RateLimit != "0" {
		normalized := strings.TrimSuffix(t.RateLimit, "/s")
		if _, err := ParseSize(normalized); err != nil {
			errs = append(errs, fmt.Errorf("rate_limit: %w", err))
		}
	}

	errs = append(errs, validateTransferOrder(t.TransferOrder)...)

	return errs
}

var validTransferOrders = map[string]bool{
	"default":  true,
	"size_asc": true,
	"size_dsc": true,
	"name_asc": true,
	"name_dsc": true,
}

func validateTransferOrder(order string) []error {
	if !validTransferOrders[order] {
		return []error{fmt.Errorf(
			"transfer_order: must be one of default, size_asc, size_dsc, name_asc, name_dsc; got %q", order)}
	}

	return nil
}

func validateSafety(s *SafetyConfig) []error {
	var errs []error

	if s.ClassifyAsBigDelete < minBigDelete {
		errs = append(errs, fmt.Errorf("classify_as_big_delete: must be >= %d, got %d",
			minBigDelete, s.ClassifyAsBigDelete))
	}

	if s.SpaceReservation != "" && s.SpaceReservation != "0" {
		if _, err := ParseSize(s.SpaceReservation); err != nil {
			errs = append(errs, fmt.Errorf("space_reservation: %w", err))
		}
	}

	if s.TombstoneRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("tombstone_retention_days: must be >= 0, got %d",
			s.TombstoneRetentionDays))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("poll_interval", s.PollInterval, minPollInterval)...)
	errs = append(errs, validateDurationMin("shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	if s.SyncBusinessSharedFiles && !s.SyncBusinessSharedItems {
		errs = append(errs, errors.New(
			"sync_business_shared_files: requires sync_business_shared_items"))
	}

	return errs
}

// validateDuration checks that a duration string is valid and meets a
// minimum. Used for per-drive poll_interval validation where the field name
// is contextual.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

// validAzureEndpoints are the sovereign deployment selectors; these
// variants lack a native delta feed, so the engine simulates one.
var validAzureEndpoints = map[string]bool{
	"": true, "USL4": true, "USL5": true, "DE": true, "CN": true,
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("data_timeout", n.DataTimeout, minDataTimeout)...)

	if !validAzureEndpoints[n.AzureADEndpoint] {
		errs = append(errs, fmt.Errorf(
			"azure_ad_endpoint: must be one of USL4, USL5, DE, CN (or empty); got %q", n.AzureADEndpoint))
	}

	return errs
}
