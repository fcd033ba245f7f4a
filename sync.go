package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/latticefs/odsync/internal/config"
	"github.com/latticefs/odsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var (
		flagDownloadOnly, flagUploadOnly, flagDryRun, flagForce bool
		flagResync, flagMonitor, flagCleanupLocal               bool
		flagNoRemoteDelete, flagRemoveSource                    bool
		flagNoDownloadCheck, flagNoUploadCheck, flagBypass      bool
		flagSingleDir                                           string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize files with OneDrive",
		Long: `Run a sync cycle between the local directory and OneDrive.

By default, sync is bidirectional. Use --download-only or --upload-only for
one-way sync. Use --dry-run to preview what would happen without making
changes, and --monitor to keep running as a daemon.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := syncCmdOpts{
				downloadOnly:    flagDownloadOnly,
				uploadOnly:      flagUploadOnly,
				dryRun:          flagDryRun,
				force:           flagForce,
				resync:          flagResync,
				monitor:         flagMonitor,
				cleanupLocal:    flagCleanupLocal,
				noRemoteDelete:  flagNoRemoteDelete,
				removeSource:    flagRemoveSource,
				noDownloadCheck: flagNoDownloadCheck,
				noUploadCheck:   flagNoUploadCheck,
				bypassPreserve:  flagBypass,
				singleDirectory: flagSingleDir,
			}

			return runSync(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&flagDownloadOnly, "download-only", false, "only download remote changes")
	cmd.Flags().BoolVar(&flagUploadOnly, "upload-only", false, "only upload local changes")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "preview sync actions without executing")
	cmd.Flags().BoolVar(&flagForce, "force", false, "override big-delete safety threshold")
	cmd.Flags().BoolVar(&flagResync, "resync", false, "discard local sync state and re-enumerate from scratch")
	cmd.Flags().BoolVar(&flagMonitor, "monitor", false, "keep running, syncing on changes and on an interval")
	cmd.Flags().BoolVar(&flagCleanupLocal, "cleanup-local-files", false,
		"with --download-only: delete local files no longer present online")
	cmd.Flags().BoolVar(&flagNoRemoteDelete, "no-remote-delete", false,
		"with --upload-only: never delete anything online")
	cmd.Flags().BoolVar(&flagRemoveSource, "remove-source-files", false,
		"with --upload-only: delete local files after a successful upload")
	cmd.Flags().BoolVar(&flagNoDownloadCheck, "disable-download-validation", false,
		"skip post-download integrity validation")
	cmd.Flags().BoolVar(&flagNoUploadCheck, "disable-upload-validation", false,
		"skip post-upload integrity validation")
	cmd.Flags().BoolVar(&flagBypass, "bypass-data-preservation", false,
		"overwrite local files instead of renaming a safety copy")
	cmd.Flags().StringVar(&flagSingleDir, "single-directory", "",
		"sync only the given directory (relative to the sync root)")

	cmd.MarkFlagsMutuallyExclusive("download-only", "upload-only")
	cmd.MarkFlagsMutuallyExclusive("monitor", "dry-run")

	return cmd
}

// syncCmdOpts carries the parsed sync command flags.
type syncCmdOpts struct {
	downloadOnly, uploadOnly, dryRun, force        bool
	resync, monitor, cleanupLocal                  bool
	noRemoteDelete, removeSource                   bool
	noDownloadCheck, noUploadCheck, bypassPreserve bool
	singleDirectory                                string
}

func runSync(ctx context.Context, opts syncCmdOpts) error {
	if opts.cleanupLocal && !opts.downloadOnly {
		return fmt.Errorf("--cleanup-local-files requires --download-only")
	}

	if (opts.noRemoteDelete || opts.removeSource) && !opts.uploadOnly {
		return fmt.Errorf("--no-remote-delete and --remove-source-files require --upload-only")
	}

	mode := sync.SyncBidirectional
	if opts.downloadOnly {
		mode = sync.SyncDownloadOnly
	}

	if opts.uploadOnly {
		mode = sync.SyncUploadOnly
	}

	cc := mustCLIContext(ctx)
	logger := cc.Logger

	session, err := NewDriveSession(ctx, cc.Cfg, cc.RawCfg, logger)
	if err != nil {
		return err
	}

	if opts.resync {
		if err := removeSyncState(cc, logger); err != nil {
			return err
		}
	}

	engine, err := newSyncEngine(ctx, session, cc.Cfg, opts, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx = shutdownContext(ctx, logger)

	runOpts := sync.RunOpts{
		DryRun:            opts.dryRun,
		Force:             opts.force,
		CleanupLocalFiles: opts.cleanupLocal,
		RemoveSourceFiles: opts.removeSource,
		SingleDirectory:   opts.singleDirectory,
	}

	if opts.monitor {
		return runMonitor(ctx, engine, session, cc, mode, runOpts)
	}

	report, err := engine.RunOnce(ctx, mode, runOpts)
	if err != nil {
		if errors.Is(err, sync.ErrBigDeleteBlocked) {
			return fmt.Errorf("sync aborted: %w", err)
		}

		return fmt.Errorf("sync failed: %w", err)
	}

	if cc.Flags.JSON {
		if err := printSyncJSON(report); err != nil {
			return err
		}
	} else {
		printSyncText(cc, report)
	}

	if report.SyncFailures {
		return fmt.Errorf("sync completed with failures (%d downloads, %d uploads, %d name collisions)",
			report.DownloadFailed, report.UploadFailed, len(report.PosixViolations))
	}

	return nil
}

// runMonitor enters daemon mode: cycles on filesystem events, change
// notifications, and the poll interval.
func runMonitor(
	ctx context.Context, engine *sync.Engine, session *DriveSession,
	cc *CLIContext, mode sync.SyncMode, runOpts sync.RunOpts,
) error {
	interval, err := time.ParseDuration(cc.Cfg.PollInterval)
	if err != nil {
		interval = 0 // orchestrator default
	}

	pidPath := config.PIDFilePath()
	if pidPath != "" {
		cleanup, pidErr := writePIDFile(pidPath)
		if pidErr != nil {
			cc.Logger.Warn("could not write PID file", "path", pidPath, "error", pidErr.Error())
		} else {
			defer cleanup()
		}
	}

	monOpts := sync.MonitorOpts{
		PollInterval: interval,
		RunOpts:      runOpts,
		Mode:         mode,
	}

	if cc.Cfg.Websocket {
		monOpts.Notifier = sync.NewWebsocketNotifier(session.Client, session.DriveID, cc.Logger)
	}

	orch := sync.NewOrchestrator(engine, cc.Cfg.SyncDir, cc.Logger)

	cc.Statusf("Monitoring %s — press Ctrl-C to stop.\n", cc.Cfg.SyncDir)

	return orch.Run(ctx, monOpts)
}

// removeSyncState deletes the drive's state database so the next cycle
// re-enumerates from scratch.
func removeSyncState(cc *CLIContext, logger *slog.Logger) error {
	dbPath := cc.Cfg.StatePath()
	if dbPath == "" {
		return fmt.Errorf("cannot determine state path for drive %q", cc.Cfg.CanonicalID)
	}

	logger.Info("resync requested, removing sync state", "path", dbPath)

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing sync state: %w", err)
		}
	}

	return nil
}

func printSyncText(cc *CLIContext, report *sync.SyncReport) {
	durationMs := report.Duration.Milliseconds()

	if report.DryRun {
		cc.Statusf("Dry run — no changes made (%dms)\n", durationMs)
		printSyncCountsText(cc, report)

		return
	}

	if totalChanges(report) == 0 && !report.SyncFailures {
		cc.Statusf("Already in sync.\n")
		return
	}

	cc.Statusf("Sync complete (%s, %dms)\n", report.Mode, durationMs)
	printSyncCountsText(cc, report)
}

func totalChanges(report *sync.SyncReport) int {
	return report.Downloads + report.Uploads + report.DirsCreated +
		report.LocalDeletes + report.RemoteDeletes
}

func printSyncCountsText(cc *CLIContext, report *sync.SyncReport) {
	if report.DirsCreated > 0 {
		cc.Statusf("  Folders created: %d\n", report.DirsCreated)
	}

	if report.Downloads > 0 {
		cc.Statusf("  Downloaded:  %d files (%d failed)\n", report.Downloads, report.DownloadFailed)
	}

	if report.Uploads > 0 {
		cc.Statusf("  Uploaded:    %d files (%d failed)\n", report.Uploads, report.UploadFailed)
	}

	if report.LocalDeletes > 0 || report.RemoteDeletes > 0 {
		cc.Statusf("  Deleted:     %d local, %d remote\n", report.LocalDeletes, report.RemoteDeletes)
	}

	for _, p := range report.PosixViolations {
		cc.Statusf("  Name collision (rename required): %s\n", p)
	}
}

// syncJSONOutput is the JSON output schema for the sync command.
type syncJSONOutput struct {
	Mode            string   `json:"mode"`
	DryRun          bool     `json:"dry_run"`
	DurationMs      int64    `json:"duration_ms"`
	FoldersCreated  int      `json:"folders_created"`
	Downloaded      int      `json:"downloaded"`
	DownloadFailed  int      `json:"download_failed"`
	Uploaded        int      `json:"uploaded"`
	UploadFailed    int      `json:"upload_failed"`
	LocalDeleted    int      `json:"local_deleted"`
	RemoteDeleted   int      `json:"remote_deleted"`
	PosixViolations []string `json:"posix_violations,omitempty"`
	Failures        bool     `json:"failures"`
}

func printSyncJSON(report *sync.SyncReport) error {
	out := syncJSONOutput{
		Mode:            report.Mode.String(),
		DryRun:          report.DryRun,
		DurationMs:      report.Duration.Milliseconds(),
		FoldersCreated:  report.DirsCreated,
		Downloaded:      report.Downloads,
		DownloadFailed:  report.DownloadFailed,
		Uploaded:        report.Uploads,
		UploadFailed:    report.UploadFailed,
		LocalDeleted:    report.LocalDeletes,
		RemoteDeleted:   report.RemoteDeletes,
		PosixViolations: report.PosixViolations,
		Failures:        report.SyncFailures,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}
