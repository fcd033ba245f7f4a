package sync

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

// SharedFolderHandler materializes "tie" records that bind a remote shared
// subtree into the local namespace. Two rows anchor every mount:
//
//   - a root-tie keyed by the remote drive's root item, item_type=root, so
//     path materialization terminates (optionally carrying reloc pointers
//     when a business mount is grafted under a local sub-directory), and
//   - a folder-tie keyed by the shared folder itself, item_type=folder,
//     named with the local name the user chose, parented directly at the
//     root-tie so a deep remote path maps to a shallow local one.
//
// The handler guarantees both rows exist before any child of the shared
// subtree is persisted.
type SharedFolderHandler struct {
	store  Store
	items  ItemClient
	logger *slog.Logger

	// skipped records business shared folders the configuration excludes,
	// so repeat feed entries are dropped without re-processing.
	mu      gosync.Mutex
	skipped map[string]bool
}

// NewSharedFolderHandler creates a handler backed by store and items.
func NewSharedFolderHandler(store Store, items ItemClient, logger *slog.Logger) *SharedFolderHandler {
	return &SharedFolderHandler{
		store:   store,
		items:   items,
		logger:  logger,
		skipped: make(map[string]bool),
	}
}

// MarkSkipped records a shared folder as online-only (not synced), keyed by
// its remote target.
func (h *SharedFolderHandler) MarkSkipped(remoteDriveID, remoteID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipped[remoteDriveID+"\x00"+remoteID] = true
}

// IsSkipped reports whether a shared folder was previously marked
// online-only.
func (h *SharedFolderHandler) IsSkipped(remoteDriveID, remoteID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.skipped[remoteDriveID+"\x00"+remoteID]
}

// TieOpts carries the local placement of a shared-folder mount.
type TieOpts struct {
	// LocalName is the name the mount appears under locally; may differ
	// from the remote folder's name.
	LocalName string

	// RelocDriveID/RelocParentID graft the mount under a local
	// sub-directory instead of the account root (business accounts).
	RelocDriveID  string
	RelocParentID string
}

// EnsureTies creates (idempotently) the root-tie and folder-tie rows for the
// shared folder that pointer targets, plus the pointer row itself in the
// local drive. Returns the folder-tie row.
func (h *SharedFolderHandler) EnsureTies(ctx context.Context, pointer *graph.Item, opts TieOpts) (*Item, error) {
	if !pointer.IsRemote || pointer.RemoteDriveID == "" || pointer.RemoteID == "" {
		return nil, fmt.Errorf("sync: item %s is not a remote pointer", pointer.ID)
	}

	now := NowNano()

	rootID, err := h.ensureRootTie(ctx, pointer, opts, now)
	if err != nil {
		return nil, err
	}

	folderTie, err := h.ensureFolderTie(ctx, pointer, opts, rootID, now)
	if err != nil {
		return nil, err
	}

	if err := h.upsertPointer(ctx, pointer, opts, now); err != nil {
		return nil, err
	}

	return folderTie, nil
}

// ensureRootTie creates the remote drive's root row if missing and returns
// its item ID.
func (h *SharedFolderHandler) ensureRootTie(ctx context.Context, pointer *graph.Item, opts TieOpts, now int64) (string, error) {
	remoteDrive := driveid.New(pointer.RemoteDriveID)

	root, err := h.items.GetItem(ctx, remoteDrive, "root")
	if err != nil {
		return "", fmt.Errorf("sync: fetching remote drive root %s: %w", pointer.RemoteDriveID, err)
	}

	existing, err := h.store.GetItem(ctx, remoteDrive.String(), root.ID)
	if err != nil {
		return "", err
	}

	if existing != nil && existing.ItemType == ItemTypeRoot {
		return root.ID, nil
	}

	tie := &Item{
		DriveID:       remoteDrive.String(),
		ItemID:        root.ID,
		ItemType:      ItemTypeRoot,
		ETag:          root.ETag,
		RelocDriveID:  opts.RelocDriveID,
		RelocParentID: opts.RelocParentID,
		SyncStatus:    SyncStatusSeen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	h.logger.Info("materializing shared-folder root tie",
		slog.String("remote_drive_id", tie.DriveID),
		slog.String("root_id", tie.ItemID),
	)

	return root.ID, h.store.UpsertItem(ctx, tie)
}

// ensureFolderTie creates the folder-tie row for the shared folder itself,
// grafted directly under the root tie so paths stay shallow.
func (h *SharedFolderHandler) ensureFolderTie(
	ctx context.Context, pointer *graph.Item, opts TieOpts, rootID string, now int64,
) (*Item, error) {
	remoteDriveID := driveid.New(pointer.RemoteDriveID).String()

	localName := opts.LocalName
	if localName == "" {
		localName = pointer.Name
	}

	tie := &Item{
		DriveID:       remoteDriveID,
		ItemID:        pointer.RemoteID,
		ParentDriveID: remoteDriveID,
		ParentID:      rootID,
		Name:          localName,
		ItemType:      ItemTypeFolder,
		Path:          localName,
		ETag:          pointer.ETag,
		RemoteDriveID: remoteDriveID,
		RemoteID:      pointer.RemoteID,
		RemoteName:    pointer.Name,
		RemoteType:    "dir",
		SyncStatus:    SyncStatusSeen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	h.logger.Info("materializing shared-folder tie",
		slog.String("remote_drive_id", tie.DriveID),
		slog.String("remote_id", tie.ItemID),
		slog.String("local_name", localName),
	)

	if err := h.store.UpsertItem(ctx, tie); err != nil {
		return nil, err
	}

	return tie, nil
}

// upsertPointer persists the type=remote pointer row in the local drive.
func (h *SharedFolderHandler) upsertPointer(ctx context.Context, pointer *graph.Item, opts TieOpts, now int64) error {
	localName := opts.LocalName
	if localName == "" {
		localName = pointer.Name
	}

	row := &Item{
		DriveID:        pointer.DriveID,
		ItemID:         pointer.ID,
		ParentDriveID:  pointer.ParentDriveID,
		ParentID:       pointer.ParentID,
		Name:           localName,
		ItemType:       ItemTypeRemote,
		ETag:           pointer.ETag,
		CTag:           pointer.CTag,
		RemoteDriveID:  driveid.New(pointer.RemoteDriveID).String(),
		RemoteID:       pointer.RemoteID,
		RemoteName:     pointer.Name,
		RemoteParentID: pointer.RemoteParentID,
		RemoteType:     "root",
		SyncStatus:     SyncStatusSeen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	return h.store.UpsertItem(ctx, row)
}

// RemoveStaleTie deletes the tie and pointer rows of a shared folder whose
// pointer has disappeared from the feed.
func (h *SharedFolderHandler) RemoveStaleTie(ctx context.Context, remoteDriveID, remoteID string) error {
	h.logger.Info("removing stale shared-folder tie",
		slog.String("remote_drive_id", remoteDriveID),
		slog.String("remote_id", remoteID),
	)

	// Both the folder tie and the local pointer row carry the remote
	// target; remove every row still pointing at it.
	for {
		tie, err := h.store.GetRemoteTie(ctx, remoteDriveID, remoteID)
		if err != nil {
			return err
		}

		if tie == nil {
			return nil
		}

		if err := h.store.DeleteItemByKey(ctx, tie.DriveID, tie.ItemID); err != nil {
			return err
		}
	}
}
