package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all override layers
// (defaults -> file -> env -> CLI) have been applied.
func RenderEffective(rd *ResolvedDrive, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration for drive %q\n\n", rd.CanonicalID.String())

	renderDriveSection(ew, rd)
	renderFilterSection(ew, &rd.FilterConfig)
	renderTransfersSection(ew, &rd.TransfersConfig)
	renderSafetySection(ew, &rd.SafetyConfig)
	renderSyncSection(ew, &rd.SyncConfig)
	renderLoggingSection(ew, &rd.LoggingConfig)
	renderNetworkSection(ew, &rd.NetworkConfig)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderDriveSection(ew *errWriter, rd *ResolvedDrive) {
	ew.printf("[drive]\n")
	ew.printf("  canonical_id = %q\n", rd.CanonicalID.String())
	ew.printf("  sync_dir     = %q\n", rd.SyncDir)
	ew.printf("  remote_path  = %q\n", rd.RemotePath)

	if rd.Alias != "" {
		ew.printf("  alias        = %q\n", rd.Alias)
	}

	if !rd.DriveID.IsZero() {
		ew.printf("  drive_id     = %q\n", rd.DriveID.String())
	}

	ew.printf("\n")
}

func renderFilterSection(ew *errWriter, f *FilterConfig) {
	ew.printf("[filter]\n")
	ew.printf("  skip_dotfiles   = %t\n", f.SkipDotfiles)
	ew.printf("  skip_symlinks   = %t\n", f.SkipSymlinks)
	ew.printf("  skip_size       = %d\n", f.SkipSize)
	ew.printf("  check_nosync    = %t\n", f.CheckNosync)
	ew.printf("  sync_root_files = %t\n", f.SyncRootFiles)

	if len(f.SkipFiles) > 0 {
		ew.printf("  skip_file       = [%s]\n", joinQuoted(f.SkipFiles))
	}

	if len(f.SkipDirs) > 0 {
		ew.printf("  skip_dir        = [%s]\n", joinQuoted(f.SkipDirs))
	}

	if len(f.SyncList) > 0 {
		ew.printf("  sync_list       = [%s]\n", joinQuoted(f.SyncList))
	}

	ew.printf("\n")
}

func renderTransfersSection(ew *errWriter, t *TransfersConfig) {
	ew.printf("[transfers]\n")
	ew.printf("  threads              = %d\n", t.Threads)
	ew.printf("  file_fragment_size   = %d\n", t.FileFragmentSize)
	ew.printf("  rate_limit           = %q\n", t.RateLimit)
	ew.printf("  transfer_order       = %q\n", t.TransferOrder)
	ew.printf("  force_session_upload = %t\n", t.ForceSessionUpload)
	ew.printf("\n")
}

func renderSafetySection(ew *errWriter, s *SafetyConfig) {
	ew.printf("[safety]\n")
	ew.printf("  classify_as_big_delete      = %d\n", s.ClassifyAsBigDelete)
	ew.printf("  space_reservation           = %q\n", s.SpaceReservation)
	ew.printf("  use_recycle_bin             = %t\n", s.UseRecycleBin)
	ew.printf("  permanent_delete            = %t\n", s.PermanentDelete)
	ew.printf("  no_remote_delete            = %t\n", s.NoRemoteDelete)
	ew.printf("  bypass_data_preservation    = %t\n", s.BypassDataPreservation)
	ew.printf("  disable_download_validation = %t\n", s.DisableDownloadValidation)
	ew.printf("  disable_upload_validation   = %t\n", s.DisableUploadValidation)
	ew.printf("  create_new_file_version     = %t\n", s.CreateNewFileVersion)
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  poll_interval              = %q\n", s.PollInterval)
	ew.printf("  websocket                  = %t\n", s.Websocket)
	ew.printf("  sync_business_shared_items = %t\n", s.SyncBusinessSharedItems)
	ew.printf("  write_xattr_data           = %t\n", s.WriteXattrData)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_format = %q\n", l.LogFormat)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}

	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", n.DataTimeout)
	ew.printf("  force_http_11   = %t\n", n.ForceHTTP11)

	if n.AzureADEndpoint != "" {
		ew.printf("  azure_ad_endpoint = %q\n", n.AzureADEndpoint)
	}
}

// joinQuoted renders a string slice as quoted, comma-separated entries.
func joinQuoted(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, it := range items {
		quoted = append(quoted, fmt.Sprintf("%q", it))
	}

	return strings.Join(quoted, ", ")
}
