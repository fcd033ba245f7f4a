package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewStore(":memory:", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func testItem(driveID, itemID, parentID, name, path string, typ ItemType) *Item {
	now := NowNano()

	return &Item{
		DriveID:       driveID,
		ItemID:        itemID,
		ParentDriveID: driveID,
		ParentID:      parentID,
		Name:          name,
		ItemType:      typ,
		Path:          path,
		SyncStatus:    SyncStatusSeen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := testItem("d1", "i1", "root", "a.txt", "a.txt", ItemTypeFile)
	item.ETag = "etag-1"
	item.QuickXorHash = "hash-1"

	require.NoError(t, store.UpsertItem(ctx, item))

	got, err := store.GetItem(ctx, "d1", "i1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a.txt", got.Name)
	assert.Equal(t, "etag-1", got.ETag)
	assert.Equal(t, "hash-1", got.QuickXorHash)

	// Upsert is idempotent and updates in place.
	item.ETag = "etag-2"
	require.NoError(t, store.UpsertItem(ctx, item))

	got, err = store.GetItem(ctx, "d1", "i1")
	require.NoError(t, err)
	assert.Equal(t, "etag-2", got.ETag)
}

func TestStore_GetItem_Missing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetItem(context.Background(), "d1", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_DeleteItemByKey_AbsentOK(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.DeleteItemByKey(context.Background(), "d1", "nope"))
}

func TestStore_ListChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "root", "", "", "", ItemTypeRoot)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "dir", "root", "A", "A", ItemTypeFolder)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "f1", "dir", "b.txt", "A/b.txt", ItemTypeFile)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "f2", "dir", "c.txt", "A/c.txt", ItemTypeFile)))

	children, err := store.ListChildren(ctx, "d1", "dir")
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestStore_GetItemByPath_ScopedToDrive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "f1", "root", "b.txt", "A/b.txt", ItemTypeFile)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d2", "f9", "root", "b.txt", "A/b.txt", ItemTypeFile)))

	got, err := store.GetItemByPath(ctx, "d2", "A/b.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "f9", got.ItemID)

	missing, err := store.GetItemByPath(ctx, "d3", "A/b.txt")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_ListDriveIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "i1", "", "a", "a", ItemTypeFile)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d2", "i2", "", "b", "b", ItemTypeFile)))

	ids, err := store.ListDriveIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2"}, ids)
}

func TestStore_RemoteTieLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tie := testItem("remote-drive", "shared-folder", "remote-root", "Mounted", "Mounted", ItemTypeFolder)
	tie.RemoteDriveID = "remote-drive"
	tie.RemoteID = "shared-folder"
	tie.RemoteName = "TheirName"
	tie.RemoteType = "dir"

	require.NoError(t, store.UpsertItem(ctx, tie))

	got, err := store.GetRemoteTie(ctx, "remote-drive", "shared-folder")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Mounted", got.Name)
	assert.Equal(t, "TheirName", got.RemoteName)
}

func TestStore_DowngradeAndListUnsynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "root", "", "", "", ItemTypeRoot)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "dir", "root", "A", "A", ItemTypeFolder)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "f1", "dir", "b.txt", "A/b.txt", ItemTypeFile)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "f2", "root", "c.txt", "c.txt", ItemTypeFile)))

	// Downgrade only the A subtree.
	require.NoError(t, store.DowngradeSyncStatus(ctx, "d1", "A"))

	unsynced, err := store.ListUnsynced(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, unsynced, 2)

	// Re-upserting marks an item seen again.
	f1, err := store.GetItem(ctx, "d1", "f1")
	require.NoError(t, err)
	f1.SyncStatus = SyncStatusSeen
	require.NoError(t, store.UpsertItem(ctx, f1))

	unsynced, err = store.ListUnsynced(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "dir", unsynced[0].ItemID)

	// Whole-drive downgrade leaves the root row alone.
	require.NoError(t, store.DowngradeSyncStatus(ctx, "d1", ""))

	unsynced, err = store.ListUnsynced(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, unsynced, 3)
}

func TestStore_MaterializePath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "root", "", "", "", ItemTypeRoot)))

	dir := testItem("d1", "dir", "root", "A", "A", ItemTypeFolder)
	require.NoError(t, store.UpsertItem(ctx, dir))

	file := testItem("d1", "f1", "dir", "b.txt", "", ItemTypeFile)
	require.NoError(t, store.UpsertItem(ctx, file))

	path, err := store.MaterializePath(ctx, "d1", "f1")
	require.NoError(t, err)
	assert.Equal(t, "A/b.txt", path)
}

func TestStore_MaterializePath_Orphan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file := testItem("d1", "f1", "missing-parent", "b.txt", "", ItemTypeFile)
	require.NoError(t, store.UpsertItem(ctx, file))

	path, err := store.MaterializePath(ctx, "d1", "f1")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestStore_MaterializePath_CycleIsFatal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testItem("d1", "a", "b", "a", "", ItemTypeFolder)
	b := testItem("d1", "b", "a", "b", "", ItemTypeFolder)
	require.NoError(t, store.UpsertItem(ctx, a))
	require.NoError(t, store.UpsertItem(ctx, b))

	_, err := store.MaterializePath(ctx, "d1", "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateInconsistent))
}

func TestStore_CascadePathUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "dir", "root", "A", "A", ItemTypeFolder)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "f1", "dir", "b.txt", "A/b.txt", ItemTypeFile)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "f2", "dir", "c.txt", "A/c.txt", ItemTypeFile)))

	require.NoError(t, store.CascadePathUpdate(ctx, "d1", "A", "B"))

	f1, err := store.GetItemByPath(ctx, "d1", "B/b.txt")
	require.NoError(t, err)
	require.NotNil(t, f1)
	assert.Equal(t, "f1", f1.ItemID)
}

func TestStore_DeltaLinks_PerRootScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No link yet.
	link, err := store.GetDeltaLink(ctx, "d1", "root")
	require.NoError(t, err)
	assert.Empty(t, link)

	require.NoError(t, store.SetDeltaLink(ctx, "d1", "root", "token-main"))
	require.NoError(t, store.SetDeltaLink(ctx, "remote-drive", "shared-root", "token-shared"))

	link, err = store.GetDeltaLink(ctx, "d1", "root")
	require.NoError(t, err)
	assert.Equal(t, "token-main", link)

	link, err = store.GetDeltaLink(ctx, "remote-drive", "shared-root")
	require.NoError(t, err)
	assert.Equal(t, "token-shared", link)

	require.NoError(t, store.ClearDeltaLink(ctx, "d1", "root"))

	link, err = store.GetDeltaLink(ctx, "d1", "root")
	require.NoError(t, err)
	assert.Empty(t, link)

	// The other scope is untouched.
	link, err = store.GetDeltaLink(ctx, "remote-drive", "shared-root")
	require.NoError(t, err)
	assert.Equal(t, "token-shared", link)
}

func TestStore_Checkpoint(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Checkpoint())
}

func TestStore_MarkDeletedAndTombstoneCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "f1", "root", "b.txt", "b.txt", ItemTypeFile)))
	require.NoError(t, store.MarkDeleted(ctx, "d1", "f1", 1))

	// Retention of 0 days reaps everything older than now.
	n, err := store.CleanupTombstones(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
