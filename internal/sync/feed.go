package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

// defaultBatchSize is the number of feed items accumulated before the batch
// is handed to the reconciler. Parent rows within a batch are applied before
// their children because pages preserve server order.
const defaultBatchSize = 500

// defaultPageDelay is the pause between pagination requests, reducing
// burstiness against the service.
const defaultPageDelay = 100 * time.Millisecond

// ErrFeedCancelled is returned when the exit handler fires between pages;
// the cycle stops cleanly and the delta link is not advanced.
var ErrFeedCancelled = errors.New("sync: change feed cancelled")

// oneNoteRecycleBin is the folder name the service uses for OneNote's
// internal recycle bin; it and its descendants are never synced.
const oneNoteRecycleBin = "OneNote_RecycleBin"

// oneNoteExtensions and oneNoteMimeTypes identify OneNote artifacts that
// arrive as plain files rather than packages.
var (
	oneNoteExtensions = map[string]bool{".one": true, ".onetoc2": true}
	oneNoteMimeTypes  = map[string]bool{
		"application/msonenote":    true,
		"application/octet-stream": true,
	}
)

// FeedMode selects how remote changes are discovered.
type FeedMode int

// Feed modes. Native consumes the drive's delta feed. Simulated re-enumerates
// children recursively for deployments without a delta feed (some sovereign
// clouds), single-directory scopes, and download-only cleanup runs. Shared
// runs the simulated machinery against the remote drive of a shared folder;
// tie records keep the local paths shallow.
const (
	FeedNative FeedMode = iota
	FeedSimulated
	FeedShared
)

// FeedScope identifies what a feed run covers.
type FeedScope struct {
	DriveID  driveid.ID
	RootID   string
	RootPath string // subtree path, "" for the whole drive
	RootName string // user-explicit root name for the root heuristic
	Mode     FeedMode
}

// ChangeFeed pulls incremental change pages from the remote API and drives
// the reconciler. Pages are consumed strictly in order, and items within a
// page are applied strictly in order.
type ChangeFeed struct {
	fetcher DeltaFetcher
	enum    ChildEnumerator
	items   ItemClient
	store   Store
	rec     *Reconciler
	logger  *slog.Logger

	batchSize int
	pageDelay time.Duration

	// cancelled is polled at every pagination boundary.
	cancelled func() bool

	// localDeletes accumulates rows doomed by remote deletion events,
	// expanded post-page, children first. The engine drains them into the
	// delete executor after downloads complete.
	localDeletes []*Item
}

// NewChangeFeed creates a ChangeFeed over the given clients and store,
// reconciling through rec.
func NewChangeFeed(
	fetcher DeltaFetcher, enum ChildEnumerator, items ItemClient,
	store Store, rec *Reconciler, logger *slog.Logger,
) *ChangeFeed {
	return &ChangeFeed{
		fetcher:   fetcher,
		enum:      enum,
		items:     items,
		store:     store,
		rec:       rec,
		logger:    logger,
		batchSize: defaultBatchSize,
		pageDelay: defaultPageDelay,
		cancelled: func() bool { return false },
	}
}

// SetCancelCheck installs the exit-handler poll. fn is called at pagination
// boundaries; returning true stops the feed with ErrFeedCancelled.
func (f *ChangeFeed) SetCancelCheck(fn func() bool) {
	if fn != nil {
		f.cancelled = fn
	}
}

// SetPageDelay overrides the inter-page pause (tests use zero).
func (f *ChangeFeed) SetPageDelay(d time.Duration) {
	f.pageDelay = d
}

// TakeLocalDeletes drains the accumulated remote-deletion rows.
func (f *ChangeFeed) TakeLocalDeletes() []*Item {
	d := f.localDeletes
	f.localDeletes = nil

	return d
}

// Run consumes the feed for one scope. On return the reconciler holds the
// cycle's download queue and f holds the local-deletion rows.
func (f *ChangeFeed) Run(ctx context.Context, scope FeedScope) error {
	switch scope.Mode {
	case FeedSimulated, FeedShared:
		return f.runSimulated(ctx, scope)
	default:
		return f.runNative(ctx, scope)
	}
}

// --- Native delta mode ---

// runNative consumes the drive's delta feed from the stored checkpoint. An
// invalid token (HTTP 410) is logged and retried once with an empty token,
// which re-enumerates from scratch.
func (f *ChangeFeed) runNative(ctx context.Context, scope FeedScope) error {
	token, err := f.store.GetDeltaLink(ctx, scope.DriveID.String(), scope.RootID)
	if err != nil {
		return err
	}

	err = f.consumePages(ctx, scope, token)
	if errors.Is(err, graph.ErrGone) {
		f.logger.Warn("delta token invalid (HTTP 410), re-enumerating from scratch",
			slog.String("drive_id", scope.DriveID.String()),
		)

		if clearErr := f.store.ClearDeltaLink(ctx, scope.DriveID.String(), scope.RootID); clearErr != nil {
			return clearErr
		}

		err = f.consumePages(ctx, scope, "")
	}

	return err
}

// consumePages loops through delta pages in order, applying each page's
// items in order. The delta link is committed only after the bundle
// finishes normally.
func (f *ChangeFeed) consumePages(ctx context.Context, scope FeedScope, token string) error {
	windowStart := token

	var batch []RemoteChange

	for {
		if f.cancelled() {
			return ErrFeedCancelled
		}

		page, err := f.fetcher.Delta(ctx, scope.DriveID.String(), token)
		if err != nil {
			// An invalid paging token (HTTP 400) is cleared and the query
			// retried from the start of the current page window.
			if errors.Is(err, graph.ErrBadRequest) && token != windowStart {
				f.logger.Warn("invalid paging token, retrying page window",
					slog.String("drive_id", scope.DriveID.String()),
				)

				token = windowStart

				continue
			}

			return fmt.Errorf("sync: delta fetch: %w", err)
		}

		batch, err = f.processPage(ctx, scope, page.Items, batch)
		if err != nil {
			return err
		}

		if page.DeltaLink != "" {
			if err := f.finishBundle(ctx, scope, batch); err != nil {
				return err
			}

			return f.store.SetDeltaLink(ctx, scope.DriveID.String(), scope.RootID, page.DeltaLink)
		}

		token = page.NextLink

		if err := sleepCtx(ctx, f.pageDelay); err != nil {
			return err
		}
	}
}

// processPage walks one page's items in order: OneNote artifacts are
// dropped (with skip propagation), root items and deletions are handled
// inline, everything else accumulates into the reconcile batch.
func (f *ChangeFeed) processPage(
	ctx context.Context, scope FeedScope, items []graph.Item, batch []RemoteChange,
) ([]RemoteChange, error) {
	for i := range items {
		it := &items[i]

		if f.dropOneNote(it) {
			continue
		}

		if f.isRootItem(it, scope) {
			if err := f.applyRoot(ctx, scope, it); err != nil {
				return batch, err
			}

			continue
		}

		if it.IsDeleted {
			f.rec.QueueDeletion(driveOrScope(it, scope), it.ID)
			continue
		}

		batch = append(batch, RemoteChange{Item: *it})

		if len(batch) >= f.batchSize {
			if err := f.rec.ApplyBatch(ctx, batch); err != nil {
				return nil, err
			}

			batch = batch[:0]
		}
	}

	// Deletions are expanded post-page so same-page creations at the same
	// path are already visible.
	if f.rec.PendingDeletions() > 0 {
		doomed, err := f.rec.ProcessDeletions(ctx)
		if err != nil {
			return batch, err
		}

		f.localDeletes = append(f.localDeletes, doomed...)
	}

	return batch, nil
}

// finishBundle flushes the trailing batch at the end of a delta bundle.
func (f *ChangeFeed) finishBundle(ctx context.Context, _ FeedScope, batch []RemoteChange) error {
	if len(batch) == 0 {
		return nil
	}

	return f.rec.ApplyBatch(ctx, batch)
}

// dropOneNote filters OneNote artifacts during page intake, propagating the
// skip to descendants via the reconciler's skip-parent set.
func (f *ChangeFeed) dropOneNote(it *graph.Item) bool {
	if it.PackageType == "oneNote" {
		f.rec.MarkParentSkipped(it.DriveID, it.ID)
		f.logger.Debug("dropping OneNote package", "name", it.Name, "item_id", it.ID)

		return true
	}

	if it.IsFolder && it.Name == oneNoteRecycleBin {
		f.rec.MarkParentSkipped(it.DriveID, it.ID)
		f.logger.Debug("dropping OneNote recycle bin", "item_id", it.ID)

		return true
	}

	if !it.IsFolder && oneNoteMimeTypes[it.MimeType] {
		if oneNoteExtensions[strings.ToLower(filepath.Ext(it.Name))] {
			f.logger.Debug("dropping OneNote file", "name", it.Name)
			return true
		}
	}

	return false
}

// isRootItem applies the root-object heuristic: the drive's root facet, the
// scope's root ID, a missing parent reference, or the user-explicit root
// name for the current scope.
func (f *ChangeFeed) isRootItem(it *graph.Item, scope FeedScope) bool {
	if it.IsRoot {
		return true
	}

	if scope.RootID != "" && it.ID == scope.RootID {
		return true
	}

	if it.ParentID == "" && !it.IsDeleted {
		return true
	}

	return scope.RootName != "" && it.Name == scope.RootName && it.ParentID == ""
}

// applyRoot persists the scope's root row inline, preserving any existing
// relocation pointers (a shared-folder graft survives feed updates).
func (f *ChangeFeed) applyRoot(ctx context.Context, scope FeedScope, it *graph.Item) error {
	driveID := driveOrScope(it, scope)

	existing, err := f.store.GetItem(ctx, driveID, it.ID)
	if err != nil {
		return err
	}

	now := NowNano()
	row := &Item{
		DriveID:    driveID,
		ItemID:     it.ID,
		ItemType:   ItemTypeRoot,
		ETag:       it.ETag,
		CTag:       it.CTag,
		SyncStatus: SyncStatusSeen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if existing != nil {
		row.RelocDriveID = existing.RelocDriveID
		row.RelocParentID = existing.RelocParentID
		row.CreatedAt = existing.CreatedAt
	}

	return f.store.UpsertItem(ctx, row)
}

// driveOrScope prefers the item's own drive ID, defaulting to the scope's.
func driveOrScope(it *graph.Item, scope FeedScope) string {
	if it.DriveID != "" {
		return it.DriveID
	}

	return scope.DriveID.String()
}

// --- Simulated delta mode ---

// runSimulated emulates a change feed by a recursive children enumeration.
// The target subtree is first downgraded to "unseen"; every enumerated item
// is re-marked by the reconciler's upserts; rows still unseen afterwards
// have disappeared online and become deletions (the simulated mode has no
// real delete events).
func (f *ChangeFeed) runSimulated(ctx context.Context, scope FeedScope) error {
	driveID := scope.DriveID.String()

	f.logger.Info("simulating delta via children enumeration",
		slog.String("drive_id", driveID),
		slog.String("root_path", scope.RootPath),
	)

	if err := f.store.DowngradeSyncStatus(ctx, driveID, scope.RootPath); err != nil {
		return err
	}

	if err := f.ensureScopeRoot(ctx, scope); err != nil {
		return err
	}

	if err := f.enumerate(ctx, scope); err != nil {
		return err
	}

	return f.reapUnseen(ctx, scope)
}

// ensureScopeRoot guarantees the scope's root row exists before children
// are applied under it.
func (f *ChangeFeed) ensureScopeRoot(ctx context.Context, scope FeedScope) error {
	existing, err := f.store.GetItem(ctx, scope.DriveID.String(), scope.RootID)
	if err != nil {
		return err
	}

	if existing != nil {
		return nil
	}

	root, err := f.items.GetItem(ctx, scope.DriveID, scope.RootID)
	if err != nil {
		return fmt.Errorf("sync: fetching scope root: %w", err)
	}

	return f.applyRoot(ctx, scope, root)
}

// enumerate walks the remote tree breadth-first from the scope root,
// emitting the same event shape as native delta.
func (f *ChangeFeed) enumerate(ctx context.Context, scope FeedScope) error {
	queue := []string{scope.RootID}

	var batch []RemoteChange

	for len(queue) > 0 {
		if f.cancelled() {
			return ErrFeedCancelled
		}

		parentID := queue[0]
		queue = queue[1:]

		children, err := f.enum.ListChildren(ctx, scope.DriveID, parentID)
		if err != nil {
			return fmt.Errorf("sync: enumerating children of %s: %w", parentID, err)
		}

		for i := range children {
			it := &children[i]

			if f.dropOneNote(it) {
				continue
			}

			batch = append(batch, RemoteChange{Item: *it})

			if it.IsFolder {
				queue = append(queue, it.ID)
			}

			if len(batch) >= f.batchSize {
				if err := f.rec.ApplyBatch(ctx, batch); err != nil {
					return err
				}

				batch = batch[:0]
			}
		}

		if err := sleepCtx(ctx, f.pageDelay); err != nil {
			return err
		}
	}

	if len(batch) > 0 {
		return f.rec.ApplyBatch(ctx, batch)
	}

	return nil
}

// reapUnseen turns rows the sweep never re-marked into deletions.
func (f *ChangeFeed) reapUnseen(ctx context.Context, scope FeedScope) error {
	unseen, err := f.store.ListUnsynced(ctx, scope.DriveID.String())
	if err != nil {
		return err
	}

	if len(unseen) == 0 {
		return nil
	}

	f.logger.Info("items vanished online since last sweep",
		slog.Int("count", len(unseen)),
		slog.String("drive_id", scope.DriveID.String()),
	)

	// Children first, deepest paths lead.
	sort.SliceStable(unseen, func(i, j int) bool {
		return strings.Count(unseen[i].Path, "/") > strings.Count(unseen[j].Path, "/")
	})

	f.localDeletes = append(f.localDeletes, unseen...)

	return nil
}

// sleepCtx pauses for d, returning early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
