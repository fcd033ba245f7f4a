package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/latticefs/odsync/internal/graph"
)

// dirPermissions is the Unix permission mode for newly created sync directories.
const dirPermissions = 0o755

// ReconcilerOpts carries the per-run switches the reconciler honours.
type ReconcilerOpts struct {
	DryRun                 bool
	BypassDataPreservation bool

	// Account and SyncBusinessSharedItems gate shared-folder tie
	// materialization: business accounts mount shared folders only when
	// the option is enabled.
	Account                 AccountType
	SyncBusinessSharedItems bool
}

// RemoteChange is one non-root, non-deleted feed entry handed to the
// reconciler by the change feed.
type RemoteChange struct {
	Item graph.Item
}

// Reconciler applies each incoming remote change to local state: create,
// modify, move, delete, or skip. It never transfers content inline —
// downloads are queued for the transfer pool; remote-originated deletions
// are collected and expanded after the page completes.
type Reconciler struct {
	store     Store
	filter    *FilterEngine
	shared    *SharedFolderHandler
	integrity *IntegrityChecker
	syncRoot  string
	opts      ReconcilerOpts
	logger    *slog.Logger

	// Downloads queued for the transfer pool this cycle.
	downloads []DownloadTask

	// idsToDelete accumulates remote deletion events within a page run,
	// in feed order; ProcessDeletions expands and orders them.
	idsToDelete []itemKey

	// skipParents propagates exclusion to descendants: children of a
	// skipped parent (OneNote package, filtered subtree) are skipped too.
	skipParents map[string]bool
}

// itemKey is a (drive, item) primary key.
type itemKey struct {
	driveID string
	itemID  string
}

// NewReconciler creates a Reconciler writing through store, consulting
// filter, and synthesizing shared-folder ties via shared.
func NewReconciler(
	store Store, filter *FilterEngine, shared *SharedFolderHandler,
	syncRoot string, opts ReconcilerOpts, logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		store:       store,
		filter:      filter,
		shared:      shared,
		integrity:   NewIntegrityChecker(logger),
		syncRoot:    syncRoot,
		opts:        opts,
		logger:      logger,
		skipParents: make(map[string]bool),
	}
}

// Downloads returns (and drains) the download queue built this cycle.
func (r *Reconciler) Downloads() []DownloadTask {
	d := r.downloads
	r.downloads = nil

	return d
}

// MarkParentSkipped records a parent whose descendants must be dropped.
func (r *Reconciler) MarkParentSkipped(driveID, itemID string) {
	r.skipParents[driveID+"\x00"+itemID] = true
}

// parentSkipped reports whether the item's parent was previously skipped,
// and propagates the skip to this item so deeper descendants follow.
func (r *Reconciler) parentSkipped(driveID, parentID, itemID string) bool {
	if parentID == "" {
		return false
	}

	if r.skipParents[driveID+"\x00"+parentID] {
		r.MarkParentSkipped(driveID, itemID)
		return true
	}

	return false
}

// ApplyBatch applies a batch of remote feed items to local state, strictly
// in order. Per-item failures other than state-integrity errors are logged
// and skipped so one bad item cannot wedge the feed.
func (r *Reconciler) ApplyBatch(ctx context.Context, changes []RemoteChange) error {
	for i := range changes {
		if err := r.applyRemoteItem(ctx, &changes[i].Item); err != nil {
			if errors.Is(err, ErrStateInconsistent) {
				return err
			}

			r.logger.Error("failed to apply remote change",
				slog.String("item_id", changes[i].Item.ID),
				slog.String("name", changes[i].Item.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// applyRemoteItem applies a single non-root, non-deleted feed item.
func (r *Reconciler) applyRemoteItem(ctx context.Context, g *graph.Item) error {
	// Skip-parent propagation (OneNote subtrees and filtered parents).
	if r.parentSkipped(g.DriveID, g.ParentID, g.ID) {
		return nil
	}

	// A pointer into another drive: synthesize tie records instead of
	// treating the cross-drive parent as missing.
	if g.IsRemote {
		return r.applyRemotePointer(ctx, g)
	}

	newItemPath, err := r.materializeItemPath(ctx, g)
	if err != nil {
		return err
	}

	if newItemPath == "" {
		// Orphan: parent not yet known and no parent reference to fall
		// back on. A later page usually delivers the parent.
		r.logger.Debug("deferring orphan item", "item_id", g.ID, "name", g.Name)
		return nil
	}

	if verdict := r.filter.ShouldSyncRemote(g, newItemPath); !verdict.Included {
		r.MarkParentSkipped(g.DriveID, g.ID)
		r.logger.Debug("remote item excluded by filter",
			"path", newItemPath, "reason", verdict.Reason)

		return nil
	}

	existing, err := r.store.GetItem(ctx, g.DriveID, g.ID)
	if err != nil {
		return err
	}

	if existing == nil {
		return r.applyPotentiallyNewLocalItem(ctx, g, newItemPath)
	}

	return r.applyPotentiallyChangedItem(ctx, existing, g, newItemPath)
}

// applyRemotePointer handles a shared-folder pointer. Business accounts
// mount shared folders only when sync_business_shared_items is enabled;
// otherwise the folder is recorded as online-only so repeat feed entries
// are dropped without re-processing.
func (r *Reconciler) applyRemotePointer(ctx context.Context, g *graph.Item) error {
	if r.shared == nil {
		return nil
	}

	if r.shared.IsSkipped(g.RemoteDriveID, g.RemoteID) {
		return nil
	}

	if r.opts.Account.Business() && !r.opts.SyncBusinessSharedItems {
		r.logger.Info("shared folder kept online-only (sync_business_shared_items disabled)",
			slog.String("name", g.Name),
			slog.String("remote_drive_id", g.RemoteDriveID),
		)

		r.shared.MarkSkipped(g.RemoteDriveID, g.RemoteID)

		return nil
	}

	_, err := r.shared.EnsureTies(ctx, g, TieOpts{LocalName: g.Name})

	return err
}

// materializeItemPath computes the item's sync-root-relative path from its
// parent chain, falling back to the remote parent reference when the parent
// is not yet in the store. For items under a shared-folder tie the tie's
// local name is already the terminal segment, so nothing is duplicated.
func (r *Reconciler) materializeItemPath(ctx context.Context, g *graph.Item) (string, error) {
	parent, err := r.store.GetItem(ctx, parentDriveOrSelf(g), g.ParentID)
	if err != nil {
		return "", err
	}

	if parent != nil {
		if parent.ItemType == ItemTypeRoot {
			return g.Name, nil
		}

		if parent.Path == "" {
			return "", nil // parent itself still orphaned
		}

		return parent.Path + "/" + g.Name, nil
	}

	if g.ParentPath != "" {
		return VirtualPath(g.ParentPath, g.Name), nil
	}

	return "", nil
}

// parentDriveOrSelf returns the drive the item's parent lives in.
func parentDriveOrSelf(g *graph.Item) string {
	if g.ParentDriveID != "" {
		return g.ParentDriveID
	}

	return g.DriveID
}

// applyPotentiallyNewLocalItem handles a feed item with no state row yet.
// Branches on local presence: identical content is just persisted, content
// differences are preserved via safe-backup before a download is queued.
func (r *Reconciler) applyPotentiallyNewLocalItem(ctx context.Context, g *graph.Item, path string) error {
	absPath := filepath.Join(r.syncRoot, path)

	if g.IsFolder {
		if !r.opts.DryRun {
			if err := os.MkdirAll(absPath, dirPermissions); err != nil {
				return fmt.Errorf("create directory %s: %w", absPath, err)
			}
		}

		return r.persistRemote(ctx, g, path)
	}

	fi, statErr := os.Lstat(absPath)
	if statErr != nil {
		// Nothing local: persist and queue the download.
		if err := r.persistRemote(ctx, g, path); err != nil {
			return err
		}

		r.queueDownload(ctx, g, path)

		return nil
	}

	verdict, err := r.integrity.VerifyFile(absPath, g.QuickXorHash, g.SHA256Hash)
	if err != nil {
		return err
	}

	if verdict == VerifyOK || verdict == VerifySkipped || verdict == VerifyKnownDataLoss {
		// Same content. Align the local mtime with the remote if they
		// disagree; no transfer needed.
		if !SameMtime(fi.ModTime(), g.ModifiedAt) && !r.opts.DryRun {
			if err := os.Chtimes(absPath, g.ModifiedAt, g.ModifiedAt); err != nil {
				r.logger.Warn("could not update local mtime", "path", absPath, "error", err.Error())
			}
		}

		return r.persistRemote(ctx, g, path)
	}

	// Content differs and the file is untracked: preserve it, then fetch
	// the remote copy.
	if !r.opts.DryRun {
		if _, err := SafeBackup(absPath, r.opts.BypassDataPreservation, r.logger); err != nil {
			return err
		}
	}

	if err := r.persistRemote(ctx, g, path); err != nil {
		return err
	}

	r.queueDownload(ctx, g, path)

	return nil
}

// applyPotentiallyChangedItem handles a feed item that already has a state
// row: rename/move, content change, or metadata-only update.
func (r *Reconciler) applyPotentiallyChangedItem(ctx context.Context, existing *Item, g *graph.Item, newPath string) error {
	if existing.ETag == g.ETag {
		// Only timestamps can differ; refresh the stored row.
		return r.persistRemoteOnto(ctx, existing, g, existing.Path)
	}

	if existing.Path != newPath && existing.Path != "" {
		if err := r.applyMove(ctx, existing, g, newPath); err != nil {
			return err
		}
	}

	if !g.IsFolder && existing.QuickXorHash != g.QuickXorHash {
		if err := r.persistRemoteOnto(ctx, existing, g, newPath); err != nil {
			return err
		}

		r.queueDownload(ctx, g, newPath)

		return nil
	}

	return r.persistRemoteOnto(ctx, existing, g, newPath)
}

// applyMove renames the local file or directory to follow a remote
// rename/move. An occupied, tracked destination is preserved via
// safe-backup first; the moved file's mtime is aligned with the remote.
func (r *Reconciler) applyMove(ctx context.Context, existing *Item, g *graph.Item, newPath string) error {
	oldAbs := filepath.Join(r.syncRoot, existing.Path)
	newAbs := filepath.Join(r.syncRoot, newPath)

	r.logger.Info("applying remote move",
		slog.String("old_path", existing.Path),
		slog.String("new_path", newPath),
	)

	if r.opts.DryRun {
		return nil
	}

	if pathExists(newAbs) {
		occupied, err := r.store.GetItemByPath(ctx, existing.DriveID, newPath)
		if err != nil {
			return err
		}

		if occupied != nil {
			if _, err := SafeBackup(newAbs, r.opts.BypassDataPreservation, r.logger); err != nil {
				return err
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(newAbs), dirPermissions); err != nil {
		return fmt.Errorf("create parent for move %s: %w", newAbs, err)
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("rename %s -> %s: %w", oldAbs, newAbs, err)
		}

		// Source missing locally: the queued download will recreate it.
		r.logger.Debug("move source missing locally", "path", oldAbs)
	}

	if !g.ModifiedAt.IsZero() {
		if err := os.Chtimes(newAbs, g.ModifiedAt, g.ModifiedAt); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("could not update mtime after move", "path", newAbs, "error", err.Error())
		}
	}

	if existing.ItemType == ItemTypeFolder {
		if err := r.store.CascadePathUpdate(ctx, existing.DriveID, existing.Path, newPath); err != nil {
			return err
		}
	}

	return nil
}

// persistRemote inserts a fresh row from a feed item.
func (r *Reconciler) persistRemote(ctx context.Context, g *graph.Item, path string) error {
	now := NowNano()

	item := &Item{
		DriveID:       g.DriveID,
		ItemID:        g.ID,
		ParentDriveID: parentDriveOrSelf(g),
		ParentID:      g.ParentID,
		Name:          g.Name,
		ItemType:      classifyRemote(g),
		Path:          path,
		Size:          Int64Ptr(g.Size),
		ETag:          g.ETag,
		CTag:          g.CTag,
		QuickXorHash:  g.QuickXorHash,
		SHA256Hash:    g.SHA256Hash,
		SyncStatus:    SyncStatusSeen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if mt := ToUnixNano(g.ModifiedAt); mt != 0 {
		item.RemoteMtime = Int64Ptr(mt)
	}

	return r.store.UpsertItem(ctx, item)
}

// persistRemoteOnto refreshes an existing row's remote fields, preserving
// the local and synced views.
func (r *Reconciler) persistRemoteOnto(ctx context.Context, existing *Item, g *graph.Item, path string) error {
	existing.Name = g.Name
	existing.ParentDriveID = parentDriveOrSelf(g)
	existing.ParentID = g.ParentID
	existing.Path = path
	existing.Size = Int64Ptr(g.Size)
	existing.ETag = g.ETag
	existing.CTag = g.CTag
	existing.QuickXorHash = g.QuickXorHash
	existing.SHA256Hash = g.SHA256Hash
	existing.SyncStatus = SyncStatusSeen
	existing.UpdatedAt = NowNano()

	if mt := ToUnixNano(g.ModifiedAt); mt != 0 {
		existing.RemoteMtime = Int64Ptr(mt)
	}

	return r.store.UpsertItem(ctx, existing)
}

// classifyRemote maps a feed item's facets onto an ItemType.
func classifyRemote(g *graph.Item) ItemType {
	switch {
	case g.IsRemote:
		return ItemTypeRemote
	case g.IsRoot:
		return ItemTypeRoot
	case g.IsFolder:
		return ItemTypeFolder
	case g.IsFile:
		return ItemTypeFile
	default:
		return ItemTypeUnknown
	}
}

// queueDownload appends the item to this cycle's download queue.
func (r *Reconciler) queueDownload(ctx context.Context, g *graph.Item, path string) {
	item, err := r.store.GetItem(ctx, g.DriveID, g.ID)
	if err != nil || item == nil {
		// Row should exist by now; fall back to a synthetic one.
		item = &Item{DriveID: g.DriveID, ItemID: g.ID, Path: path, ItemType: ItemTypeFile}
	}

	r.downloads = append(r.downloads, DownloadTask{Item: item, Remote: *g})
	r.logger.Debug("queued download", "path", path, "size", g.Size)
}

// --- Remote deletions ---

// QueueDeletion accumulates a deletion event for post-page processing.
func (r *Reconciler) QueueDeletion(driveID, itemID string) {
	r.idsToDelete = append(r.idsToDelete, itemKey{driveID: driveID, itemID: itemID})
}

// PendingDeletions reports how many deletion events are queued.
func (r *Reconciler) PendingDeletions() int {
	return len(r.idsToDelete)
}

// ProcessDeletions expands the accumulated deletion events into the full
// set of affected rows (descendants included), ordered children-first, and
// returns them for the delete executor. The queue is drained.
func (r *Reconciler) ProcessDeletions(ctx context.Context) ([]*Item, error) {
	keys := r.idsToDelete
	r.idsToDelete = nil

	var doomed []*Item

	seen := make(map[itemKey]bool)

	for _, k := range keys {
		item, err := r.store.GetItem(ctx, k.driveID, k.itemID)
		if err != nil {
			return nil, err
		}

		if item == nil || seen[k] {
			continue
		}

		subtree, err := r.collectSubtree(ctx, item)
		if err != nil {
			return nil, err
		}

		for _, it := range subtree {
			sk := itemKey{driveID: it.DriveID, itemID: it.ItemID}
			if !seen[sk] {
				seen[sk] = true

				doomed = append(doomed, it)
			}
		}
	}

	// Children first: deepest paths lead.
	sort.SliceStable(doomed, func(i, j int) bool {
		return strings.Count(doomed[i].Path, "/") > strings.Count(doomed[j].Path, "/")
	})

	return doomed, nil
}

// collectSubtree returns item and all its live descendants.
func (r *Reconciler) collectSubtree(ctx context.Context, item *Item) ([]*Item, error) {
	out := []*Item{item}

	if !item.IsDir() {
		return out, nil
	}

	children, err := r.store.ListChildren(ctx, item.DriveID, item.ItemID)
	if err != nil {
		return nil, err
	}

	for _, child := range children {
		sub, err := r.collectSubtree(ctx, child)
		if err != nil {
			return nil, err
		}

		out = append(out, sub...)
	}

	return out, nil
}

// AlignLocalMtime sets the local file's mtime to match the remote value.
// Used by the transfer pool after a completed download.
func AlignLocalMtime(absPath string, mtime time.Time) error {
	if mtime.IsZero() {
		return nil
	}

	return os.Chtimes(absPath, mtime, mtime)
}
