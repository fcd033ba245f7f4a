package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

// ErrBigDeleteBlocked is returned when a cycle would delete more remote
// items than classify_as_big_delete allows and --force was not supplied.
// Zero deletions are issued; the whole cycle aborts.
var ErrBigDeleteBlocked = errors.New("sync: big-delete protection triggered (re-run with --force to override)")

// DeleteOpts carries the configuration the delete executor honours.
type DeleteOpts struct {
	// ClassifyAsBigDelete is the item-count threshold for the guard
	// (0 disables the guard).
	ClassifyAsBigDelete int

	// Force bypasses the big-delete guard.
	Force bool

	// UseRecycleBin moves local deletions to the FreeDesktop trash
	// instead of removing them outright.
	UseRecycleBin bool

	// PermanentDelete bypasses the remote recycle bin where the
	// deployment variant and account type support it.
	PermanentDelete bool

	// NoRemoteDelete suppresses remote deletions entirely
	// (--upload-only --no-remote-delete).
	NoRemoteDelete bool

	DryRun bool
}

// DeleteExecutor performs local deletions (recycle-bin aware) and remote
// deletions (reverse order, big-delete guarded).
type DeleteExecutor struct {
	store  Store
	items  ItemClient
	opts   DeleteOpts
	root   string
	logger *slog.Logger

	// trashFunc moves a path to the trash; overridable in tests.
	trashFunc func(absPath string) error
}

// NewDeleteExecutor creates a delete executor for one drive scope.
func NewDeleteExecutor(store Store, items ItemClient, root string, opts DeleteOpts, logger *slog.Logger) *DeleteExecutor {
	return &DeleteExecutor{
		store:     store,
		items:     items,
		opts:      opts,
		root:      root,
		logger:    logger,
		trashFunc: defaultTrashFunc,
	}
}

// ExecuteLocal removes local paths for rows deleted online. Rows arrive
// children first. Honours use_recycle_bin.
func (e *DeleteExecutor) ExecuteLocal(ctx context.Context, doomed []*Item) error {
	for _, item := range doomed {
		if item.Path == "" {
			continue
		}

		absPath := filepath.Join(e.root, item.Path)

		if e.opts.DryRun {
			e.logger.Info("dry-run: would delete locally", slog.String("path", item.Path))
			continue
		}

		if err := e.removeLocal(absPath); err != nil {
			e.logger.Error("local deletion failed",
				slog.String("path", item.Path), slog.String("error", err.Error()))

			continue
		}

		if err := e.store.DeleteItemByKey(ctx, item.DriveID, item.ItemID); err != nil {
			return err
		}

		e.logger.Info("deleted locally", slog.String("path", item.Path))
	}

	return nil
}

// CleanupLocal deletes untracked local paths in --download-only
// --cleanup-local-files mode. Paths are relative to the sync root.
func (e *DeleteExecutor) CleanupLocal(paths []string) {
	for _, rel := range paths {
		absPath := filepath.Join(e.root, rel)

		if e.opts.DryRun {
			e.logger.Info("dry-run: would clean up local file", slog.String("path", rel))
			continue
		}

		if err := e.removeLocal(absPath); err != nil {
			e.logger.Error("local cleanup failed",
				slog.String("path", rel), slog.String("error", err.Error()))

			continue
		}

		e.logger.Info("cleaned up local file", slog.String("path", rel))
	}
}

// removeLocal trashes or removes one path (recursively for directories when
// hard-deleting; the trash receives the directory whole).
func (e *DeleteExecutor) removeLocal(absPath string) error {
	if e.opts.UseRecycleBin {
		return e.trashFunc(absPath)
	}

	if err := os.RemoveAll(absPath); err != nil {
		return fmt.Errorf("remove %s: %w", absPath, err)
	}

	return nil
}

// ExecuteRemote issues online deletions for rows whose local paths have
// disappeared. Rows arrive children first (reverse depth order), which the
// remote API requires for directory subtrees. The big-delete guard runs
// over the full count before the first delete is issued.
func (e *DeleteExecutor) ExecuteRemote(ctx context.Context, doomed []*Item) error {
	if len(doomed) == 0 {
		return nil
	}

	if e.opts.NoRemoteDelete {
		e.logger.Info("remote deletions suppressed by configuration",
			slog.Int("count", len(doomed)))

		return nil
	}

	if err := e.guardBigDelete(len(doomed)); err != nil {
		return err
	}

	for _, item := range doomed {
		if err := e.deleteRemote(ctx, item); err != nil {
			return err
		}
	}

	return nil
}

// guardBigDelete aborts the cycle before any deletion when the count
// reaches the configured threshold and --force was not supplied.
func (e *DeleteExecutor) guardBigDelete(count int) error {
	threshold := e.opts.ClassifyAsBigDelete
	if threshold <= 0 || e.opts.Force || count < threshold {
		return nil
	}

	e.logger.Error("refusing to delete a large number of remote items",
		slog.Int("count", count),
		slog.Int("threshold", threshold),
	)

	return fmt.Errorf("%w: %d items queued, threshold %d", ErrBigDeleteBlocked, count, threshold)
}

// deleteRemote removes a single item online. 404 means already gone.
func (e *DeleteExecutor) deleteRemote(ctx context.Context, item *Item) error {
	if e.opts.DryRun {
		e.logger.Info("dry-run: would delete online", slog.String("path", item.Path))
		return nil
	}

	driveID := driveid.New(item.DriveID)

	var err error
	if e.opts.PermanentDelete {
		err = e.items.PermanentDelete(ctx, driveID, item.ItemID)
	} else {
		err = e.items.DeleteItem(ctx, driveID, item.ItemID)
	}

	switch {
	case err == nil, errors.Is(err, graph.ErrNotFound):
		// Gone either way.
	case errors.Is(err, graph.ErrLocked):
		e.logger.Warn("remote item locked, skipping deletion", slog.String("path", item.Path))
		return nil
	default:
		return fmt.Errorf("delete online %s: %w", item.Path, err)
	}

	if err := e.store.DeleteItemByKey(ctx, item.DriveID, item.ItemID); err != nil {
		return err
	}

	e.logger.Info("deleted online", slog.String("path", item.Path))

	return nil
}
