package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

// EngineConfig holds the construction options for NewEngine.
type EngineConfig struct {
	DBPath   string     // path to the SQLite state database
	StateDir string     // directory holding the DB and session descriptors
	SyncRoot string     // absolute path to the local sync directory
	DriveID  driveid.ID // normalized drive identifier
	RootID   string     // the drive root item id
	RootName string     // user-explicit root name for the feed heuristic
	Account  AccountType

	// Remote API capabilities, all satisfied by *graph.Client.
	Fetcher DeltaFetcher
	Items   ItemClient
	Quota   QuotaClient
	Factory ClientFactory

	// Engine behavior knobs, resolved from configuration.
	Threads              int
	TransferOrder        TransferOrder
	RateLimit            string
	ClassifyAsBigDelete  int
	UseRecycleBin        bool
	PermanentDelete      bool
	NoRemoteDelete       bool
	DisableDownloadCheck bool
	DisableUploadCheck   bool
	BypassPreservation   bool
	CreateNewFileVersion bool
	ForceSessionUpload   bool
	FragmentSizeMiB      int64
	SpaceReservation     int64
	WriteXattr           bool
	SimulatedDelta       bool // deployment variant without a native feed
	SyncBusinessShared   bool // sync_business_shared_items
	TombstoneRetention   int  // days; 0 keeps tombstones forever

	Filter *FilterEngine
	Logger *slog.Logger
}

// RunOpts holds per-cycle options for RunOnce.
type RunOpts struct {
	DryRun            bool
	Force             bool
	CleanupLocalFiles bool   // with download-only: delete untracked local files
	RemoveSourceFiles bool   // with upload-only: delete local files after upload
	SingleDirectory   string // restrict the cycle to one subtree (simulated feed)
}

// SyncReport summarizes the result of a single sync cycle.
type SyncReport struct {
	Mode     SyncMode
	DryRun   bool
	Duration time.Duration

	Downloads       int
	Uploads         int
	DirsCreated     int
	LocalDeletes    int
	RemoteDeletes   int
	DownloadFailed  int
	UploadFailed    int
	PosixViolations []string

	// SyncFailures is set when any per-file failure occurred; the CLI
	// surfaces it as a non-zero exit.
	SyncFailures bool
}

// Engine coordinates one drive scope's sync cycle:
// change feed → reconcile → downloads → local deletes → local scan →
// online directory creation → uploads → remote deletes.
type Engine struct {
	cfg      *EngineConfig
	store    *SQLiteStore
	sessions *SessionStore
	cache    *DriveCache
	limiter  *BandwidthLimiter
	logger   *slog.Logger

	// cancelled is polled between stages, pages, and transfers.
	cancelled func() bool
}

// NewEngine opens the state database and assembles the cycle components.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	store, err := NewStore(cfg.DBPath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("sync: creating engine: %w", err)
	}

	limiter, err := NewBandwidthLimiter(cfg.RateLimit, cfg.Logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("sync: creating engine: %w", err)
	}

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Dir(cfg.DBPath)
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		sessions:  NewSessionStore(stateDir, cfg.Logger),
		cache:     NewDriveCache(cfg.Quota, cfg.Logger),
		limiter:   limiter,
		logger:    cfg.Logger,
		cancelled: func() bool { return false },
	}, nil
}

// SetCancelCheck installs the process-wide exit-handler poll.
func (e *Engine) SetCancelCheck(fn func() bool) {
	if fn != nil {
		e.cancelled = fn
	}
}

// Close releases the engine's database connection.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store exposes the state store for status/verification commands.
func (e *Engine) Store() Store {
	return e.store
}

// RunOnce executes one full sync cycle and returns its report.
func (e *Engine) RunOnce(ctx context.Context, mode SyncMode, opts RunOpts) (*SyncReport, error) {
	start := time.Now()

	e.logger.Info("sync cycle starting",
		slog.String("mode", mode.String()),
		slog.Bool("dry_run", opts.DryRun),
		slog.Bool("force", opts.Force),
	)

	report := &SyncReport{Mode: mode, DryRun: opts.DryRun}
	failures := &RunFailures{}

	store := Store(e.store)
	if opts.DryRun {
		store = newShadowStore(e.store)
	}

	if err := e.runRemoteSide(ctx, mode, opts, store, report, failures); err != nil {
		return report, err
	}

	if err := e.runLocalSide(ctx, mode, opts, store, report, failures); err != nil {
		return report, err
	}

	if err := e.finishRun(ctx, opts, store, report, failures); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)

	e.logger.Info("sync cycle complete",
		slog.Duration("duration", report.Duration),
		slog.Int("downloads", report.Downloads),
		slog.Int("uploads", report.Uploads),
		slog.Bool("failures", report.SyncFailures),
	)

	return report, nil
}

// runRemoteSide consumes the change feed, executes downloads, and applies
// remote-originated local deletions. Skipped entirely in upload-only mode.
func (e *Engine) runRemoteSide(
	ctx context.Context, mode SyncMode, opts RunOpts,
	store Store, report *SyncReport, failures *RunFailures,
) error {
	if mode == SyncUploadOnly {
		return nil
	}

	rec := NewReconciler(store, e.cfg.Filter, NewSharedFolderHandler(store, e.cfg.Items, e.logger),
		e.cfg.SyncRoot, ReconcilerOpts{
			DryRun:                  opts.DryRun,
			BypassDataPreservation:  e.cfg.BypassPreservation,
			Account:                 e.cfg.Account,
			SyncBusinessSharedItems: e.cfg.SyncBusinessShared,
		}, e.logger)

	feed := NewChangeFeed(e.cfg.Fetcher, e.cfg.Items, e.cfg.Items, store, rec, e.logger)
	feed.SetCancelCheck(e.cancelled)

	scope, err := e.feedScope(ctx, opts)
	if err != nil {
		return err
	}

	if err := feed.Run(ctx, scope); err != nil {
		if errors.Is(err, ErrFeedCancelled) {
			e.logger.Info("cycle interrupted during change feed")
			return nil
		}

		return err
	}

	// Downloads before local deletions: a same-cycle move away from a
	// doomed directory must land first.
	downloads := rec.Downloads()
	report.Downloads = len(downloads)

	if len(downloads) > 0 {
		dl := e.newDownloader(store, opts)

		pool := e.newPool()
		failures.Downloads = pool.RunDownloads(ctx, dl, downloads)
		report.DownloadFailed = len(failures.Downloads)
	}

	doomed := feed.TakeLocalDeletes()
	report.LocalDeletes = len(doomed)

	if len(doomed) > 0 {
		deleter := e.newDeleter(store, opts)
		if err := deleter.ExecuteLocal(ctx, doomed); err != nil {
			return err
		}
	}

	return nil
}

// runLocalSide scans the local tree, creates new directories online,
// executes uploads, and issues remote deletions. Skipped in download-only
// mode except for the cleanup-local-files classification.
func (e *Engine) runLocalSide(
	ctx context.Context, mode SyncMode, opts RunOpts,
	store Store, report *SyncReport, failures *RunFailures,
) error {
	cleanup := mode == SyncDownloadOnly && opts.CleanupLocalFiles
	if mode == SyncDownloadOnly && !cleanup {
		return nil
	}

	if e.cancelled() {
		return nil
	}

	scanner := NewScanner(store, e.cfg.Filter, e.cfg.SyncRoot, e.cfg.DriveID.String(), e.logger)
	scanner.SetCleanupLocal(cleanup)

	scan, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}

	if cleanup {
		e.newDeleter(store, opts).CleanupLocal(scan.CleanupLocal)
		return nil
	}

	created, err := e.createDirectoriesOnline(ctx, store, opts, scan.PathsToCreateOnline, failures)
	if err != nil {
		return err
	}

	report.DirsCreated = created

	uploads := e.gatherUploads(scan)
	report.Uploads = len(uploads)

	if len(uploads) > 0 {
		ul := NewUploader(store, e.sessions, e.cache, e.limiter, e.cfg.SyncRoot,
			e.cfg.DriveID, e.cfg.RootID, e.cfg.Account, UploaderOpts{
				DisableValidation:    e.cfg.DisableUploadCheck,
				ForceSession:         e.cfg.ForceSessionUpload,
				FragmentSizeMiB:      e.cfg.FragmentSizeMiB,
				CreateNewFileVersion: e.cfg.CreateNewFileVersion,
				DryRun:               opts.DryRun,
			}, e.logger)

		pool := e.newPool()

		var collisions []string
		failures.Uploads, collisions = pool.RunUploads(ctx, ul, uploads)
		failures.PosixViolations = append(failures.PosixViolations, collisions...)
		report.UploadFailed = len(failures.Uploads)

		// SharePoint enrichment: fetch the rewritten copies back so the
		// local files match what the service actually stored.
		if redownloads := ul.TakeRedownloads(); len(redownloads) > 0 {
			dl := e.newDownloader(store, opts)
			enrichFailures := pool.RunDownloads(ctx, dl, redownloads)
			failures.Downloads = append(failures.Downloads, enrichFailures...)
			report.DownloadFailed = len(failures.Downloads)
		}

		if opts.RemoveSourceFiles && mode == SyncUploadOnly && !opts.DryRun {
			e.removeUploadedSources(uploads, failures)
		}
	}

	if len(scan.DeleteOnline) > 0 {
		deleter := e.newDeleter(store, opts)
		report.RemoteDeletes = len(scan.DeleteOnline)

		if err := deleter.ExecuteRemote(ctx, scan.DeleteOnline); err != nil {
			return err
		}
	}

	return nil
}

// removeUploadedSources deletes the local copies of successfully uploaded
// files (--upload-only --remove-source-files).
func (e *Engine) removeUploadedSources(uploads []UploadTask, failures *RunFailures) {
	failed := make(map[string]bool, len(failures.Uploads))
	for _, pe := range failures.Uploads {
		failed[pe.Path] = true
	}

	for _, v := range failures.PosixViolations {
		failed[v] = true
	}

	for i := range uploads {
		if failed[uploads[i].RelPath] {
			continue
		}

		if err := os.Remove(uploads[i].AbsPath); err != nil {
			e.logger.Warn("could not remove uploaded source file",
				slog.String("path", uploads[i].RelPath), slog.String("error", err.Error()))

			continue
		}

		e.logger.Info("removed uploaded source file", slog.String("path", uploads[i].RelPath))
	}
}

// gatherUploads merges the scanner's queues with any uploads resumable from
// persisted session descriptors whose files still exist.
func (e *Engine) gatherUploads(scan *ScanResult) []UploadTask {
	uploads := make([]UploadTask, 0, len(scan.NewUploads)+len(scan.ModifiedUploads))
	uploads = append(uploads, scan.NewUploads...)
	uploads = append(uploads, scan.ModifiedUploads...)

	queued := make(map[string]bool, len(uploads))
	for i := range uploads {
		queued[uploads[i].AbsPath] = true
	}

	descriptors, err := e.sessions.LoadUploads()
	if err != nil {
		e.logger.Warn("could not load upload session descriptors", "error", err.Error())
		return uploads
	}

	for nonce, desc := range descriptors {
		if queued[desc.LocalPath] {
			continue
		}

		fi, statErr := os.Stat(desc.LocalPath)
		if statErr != nil {
			e.sessions.RemoveUpload(nonce)
			continue
		}

		rel, relErr := filepath.Rel(e.cfg.SyncRoot, desc.LocalPath)
		if relErr != nil {
			continue
		}

		e.logger.Info("re-queueing interrupted upload", slog.String("path", rel))

		uploads = append(uploads, UploadTask{
			RelPath:  filepath.ToSlash(rel),
			AbsPath:  desc.LocalPath,
			Size:     fi.Size(),
			Mtime:    fi.ModTime(),
			ParentID: desc.TargetParentID,
			ETag:     desc.CurrentETag,
		})
	}

	return uploads
}

// createDirectoriesOnline creates queued directories online, shallowest
// first, checking case collisions against known siblings. A 409 conflict is
// resolved by listing the parent's children and adopting the winner.
func (e *Engine) createDirectoriesOnline(
	ctx context.Context, store Store, opts RunOpts,
	paths []string, failures *RunFailures,
) (int, error) {
	posix := NewPosixCollisionChecker(store)
	created := 0

	for _, rel := range paths {
		if e.cancelled() {
			break
		}

		parentID, parentPath, name, err := e.dirCreateTarget(ctx, store, rel)
		if err != nil {
			e.logger.Error("cannot resolve online parent", "path", rel, "error", err.Error())
			continue
		}

		if err := posix.Check(ctx, e.cfg.DriveID.String(), parentID, parentPath, name, ""); err != nil {
			var posixErr *PosixCollisionError
			if errors.As(err, &posixErr) {
				e.logger.Error("directory creation blocked by case collision",
					slog.String("path", rel), slog.String("existing", posixErr.ExistingName))

				failures.PosixViolations = append(failures.PosixViolations, rel)

				continue
			}

			return created, err
		}

		if opts.DryRun {
			e.logger.Info("dry-run: would create directory online", slog.String("path", rel))

			if err := e.persistCreatedDir(ctx, store, rel, &graph.Item{
				ID: "dry-run:" + rel, Name: name, ParentID: parentID, IsFolder: true,
			}); err != nil {
				return created, err
			}

			created++

			continue
		}

		item, err := e.cfg.Items.CreateFolder(ctx, e.cfg.DriveID, parentID, name)
		if errors.Is(err, graph.ErrConflict) {
			item, err = e.resolveCreateConflict(ctx, parentID, name)
		}

		if err != nil {
			e.logger.Error("online directory creation failed", "path", rel, "error", err.Error())
			continue
		}

		if err := e.persistCreatedDir(ctx, store, rel, item); err != nil {
			return created, err
		}

		created++
	}

	return created, nil
}

// dirCreateTarget resolves where a queued directory is created online.
func (e *Engine) dirCreateTarget(ctx context.Context, store Store, rel string) (string, string, string, error) {
	parentPath := filepath.ToSlash(filepath.Dir(rel))
	name := filepath.Base(rel)

	if parentPath == "." || parentPath == "/" {
		return e.cfg.RootID, "", name, nil
	}

	parent, err := store.GetItemByPath(ctx, e.cfg.DriveID.String(), parentPath)
	if err != nil {
		return "", "", "", err
	}

	if parent == nil {
		return "", "", "", fmt.Errorf("online parent %q not yet created", parentPath)
	}

	return parent.ItemID, parent.Path, name, nil
}

// resolveCreateConflict handles a 409 on folder creation: someone else
// created it first — list the parent and adopt the existing folder.
func (e *Engine) resolveCreateConflict(ctx context.Context, parentID, name string) (*graph.Item, error) {
	children, err := e.cfg.Items.ListChildren(ctx, e.cfg.DriveID, parentID)
	if err != nil {
		return nil, err
	}

	for i := range children {
		if children[i].Name == name && children[i].IsFolder {
			return &children[i], nil
		}
	}

	return nil, fmt.Errorf("sync: folder %q conflicted but is not listed", name)
}

// persistCreatedDir records a newly created online directory.
func (e *Engine) persistCreatedDir(ctx context.Context, store Store, rel string, item *graph.Item) error {
	now := NowNano()

	return store.UpsertItem(ctx, &Item{
		DriveID:       e.cfg.DriveID.String(),
		ItemID:        item.ID,
		ParentDriveID: e.cfg.DriveID.String(),
		ParentID:      item.ParentID,
		Name:          item.Name,
		ItemType:      ItemTypeFolder,
		Path:          rel,
		ETag:          item.ETag,
		CTag:          item.CTag,
		SyncStatus:    SyncStatusSeen,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// feedScope derives the scope and mode of this cycle's change feed.
func (e *Engine) feedScope(ctx context.Context, opts RunOpts) (FeedScope, error) {
	scope := FeedScope{
		DriveID:  e.cfg.DriveID,
		RootID:   e.cfg.RootID,
		RootName: e.cfg.RootName,
		Mode:     FeedNative,
	}

	switch {
	case opts.SingleDirectory != "":
		// A single-directory scope has no per-subtree delta feed; simulate.
		scope.Mode = FeedSimulated
		scope.RootPath = filepath.ToSlash(opts.SingleDirectory)

		row, err := e.store.GetItemByPath(ctx, e.cfg.DriveID.String(), scope.RootPath)
		if err != nil {
			return scope, err
		}

		if row != nil {
			scope.RootID = row.ItemID
		}

	case opts.CleanupLocalFiles, e.cfg.SimulatedDelta:
		scope.Mode = FeedSimulated
	}

	return scope, nil
}

// finishRun scrubs failed paths from the store (so a stale row does not
// cause a phantom deletion next cycle), flushes the WAL, and folds the
// failure lists into the report.
func (e *Engine) finishRun(
	ctx context.Context, opts RunOpts, store Store,
	report *SyncReport, failures *RunFailures,
) error {
	for _, pe := range failures.Downloads {
		e.scrubFailedPath(ctx, store, pe.Path)
	}

	for _, pe := range failures.Uploads {
		e.scrubFailedPath(ctx, store, pe.Path)
	}

	report.PosixViolations = failures.PosixViolations
	report.SyncFailures = failures.Any()

	if e.cfg.TombstoneRetention > 0 && !opts.DryRun {
		if _, err := store.CleanupTombstones(ctx, e.cfg.TombstoneRetention); err != nil {
			e.logger.Warn("tombstone cleanup failed", "error", err.Error())
		}
	}

	if err := store.Checkpoint(); err != nil {
		e.logger.Warn("WAL checkpoint failed", "error", err.Error())
	}

	return nil
}

// scrubFailedPath removes the state row of a failed transfer path.
func (e *Engine) scrubFailedPath(ctx context.Context, store Store, path string) {
	row, err := store.GetItemByPath(ctx, e.cfg.DriveID.String(), path)
	if err != nil || row == nil {
		return
	}

	if err := store.DeleteItemByKey(ctx, row.DriveID, row.ItemID); err != nil {
		e.logger.Warn("could not scrub failed path from state",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// newDownloader builds a download worker honouring the per-run options.
func (e *Engine) newDownloader(store Store, opts RunOpts) *Downloader {
	return NewDownloader(store, e.sessions, e.limiter, e.cfg.SyncRoot, e.cfg.Account, DownloaderOpts{
		DisableValidation: e.cfg.DisableDownloadCheck,
		WriteXattr:        e.cfg.WriteXattr,
		SpaceReservation:  e.cfg.SpaceReservation,
		DryRun:            opts.DryRun,
	}, e.logger)
}

// newPool builds a transfer pool from the engine configuration.
func (e *Engine) newPool() *TransferPool {
	pool := NewTransferPool(e.cfg.Threads, e.cfg.TransferOrder, e.cfg.Factory, e.limiter, e.logger)
	pool.SetCancelCheck(e.cancelled)

	return pool
}

// newDeleter builds a delete executor honouring the per-run options.
func (e *Engine) newDeleter(store Store, opts RunOpts) *DeleteExecutor {
	return NewDeleteExecutor(store, e.cfg.Items, e.cfg.SyncRoot, DeleteOpts{
		ClassifyAsBigDelete: e.cfg.ClassifyAsBigDelete,
		Force:               opts.Force,
		UseRecycleBin:       e.cfg.UseRecycleBin,
		PermanentDelete:     e.cfg.PermanentDelete,
		NoRemoteDelete:      e.cfg.NoRemoteDelete,
		DryRun:              opts.DryRun,
	}, e.logger)
}
