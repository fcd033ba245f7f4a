package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefs/odsync/internal/config"
	"github.com/latticefs/odsync/internal/graph"
)

// newTestReconciler builds a reconciler over a memStore and a real temp dir.
func newTestReconciler(t *testing.T, opts ReconcilerOpts) (*Reconciler, *memStore, string) {
	t.Helper()

	store := newMemStore()
	syncRoot := t.TempDir()
	cfg := config.FilterConfig{}
	filter := NewFilterEngine(&cfg, syncRoot, AccountPersonal, testLogger(t))
	rec := NewReconciler(store, filter, nil, syncRoot, opts, testLogger(t))

	return rec, store, syncRoot
}

func seedRoot(t *testing.T, store Store) {
	t.Helper()
	require.NoError(t, store.UpsertItem(context.Background(), testItem("d1", "root", "", "", "", ItemTypeRoot)))
}

func remoteFile(id, parentID, name string, size int64, hash string, mtime time.Time) graph.Item {
	return graph.Item{
		ID:           id,
		DriveID:      "d1",
		ParentID:     parentID,
		Name:         name,
		Size:         size,
		ETag:         "etag-" + id,
		QuickXorHash: hash,
		ModifiedAt:   mtime,
		IsFile:       true,
	}
}

func TestReconciler_FreshRemoteTree(t *testing.T) {
	rec, store, syncRoot := newTestReconciler(t, ReconcilerOpts{})
	ctx := context.Background()

	seedRoot(t, store)

	mtime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	changes := []RemoteChange{
		{Item: graph.Item{ID: "dirA", DriveID: "d1", ParentID: "root", Name: "A", IsFolder: true}},
		{Item: remoteFile("f1", "dirA", "b.txt", 100, "H1", mtime)},
	}

	require.NoError(t, rec.ApplyBatch(ctx, changes))

	// The directory was created on disk immediately.
	fi, err := os.Stat(filepath.Join(syncRoot, "A"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	// The file was persisted and queued for download.
	row, err := store.GetItem(ctx, "d1", "f1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "A/b.txt", row.Path)

	downloads := rec.Downloads()
	require.Len(t, downloads, 1)
	assert.Equal(t, "A/b.txt", downloads[0].Item.Path)
	assert.Equal(t, int64(100), downloads[0].Remote.Size)
}

func TestReconciler_LocalIdenticalContentNoDownload(t *testing.T) {
	rec, store, syncRoot := newTestReconciler(t, ReconcilerOpts{})
	ctx := context.Background()

	seedRoot(t, store)

	// Local file already present with matching content.
	path := writeTestFile(t, syncRoot, "b.txt", []byte("hello world"))
	hash, err := ComputeQuickXorHash(path)
	require.NoError(t, err)

	remoteMtime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	changes := []RemoteChange{
		{Item: remoteFile("f1", "root", "b.txt", 11, hash, remoteMtime)},
	}

	require.NoError(t, rec.ApplyBatch(ctx, changes))

	// No download, record persisted, local mtime aligned to remote.
	assert.Empty(t, rec.Downloads())

	row, err := store.GetItem(ctx, "d1", "f1")
	require.NoError(t, err)
	require.NotNil(t, row)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, SameMtime(fi.ModTime(), remoteMtime))
}

func TestReconciler_DivergedUntrackedLocalIsPreserved(t *testing.T) {
	rec, store, syncRoot := newTestReconciler(t, ReconcilerOpts{})
	ctx := context.Background()

	seedRoot(t, store)

	writeTestFile(t, syncRoot, "b.txt", []byte("my precious local edits"))

	changes := []RemoteChange{
		{Item: remoteFile("f1", "root", "b.txt", 5, "cmVtb3RlLWhhc2g=", time.Now())},
	}

	require.NoError(t, rec.ApplyBatch(ctx, changes))

	// The local file was renamed to a safety copy and a download queued.
	matches, err := filepath.Glob(filepath.Join(syncRoot, "b.local-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	require.Len(t, rec.Downloads(), 1)
}

func TestReconciler_OnlineRenameMovesLocalFile(t *testing.T) {
	rec, store, syncRoot := newTestReconciler(t, ReconcilerOpts{})
	ctx := context.Background()

	seedRoot(t, store)
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "dirA", "root", "A", "A", ItemTypeFolder)))

	// Tracked file at A/b.txt with local presence.
	require.NoError(t, os.MkdirAll(filepath.Join(syncRoot, "A"), 0o755))
	writeTestFile(t, filepath.Join(syncRoot, "A"), "b.txt", []byte("content"))

	row := testItem("d1", "X", "dirA", "b.txt", "A/b.txt", ItemTypeFile)
	row.ETag = "etag-old"
	row.QuickXorHash = "H1"
	require.NoError(t, store.UpsertItem(ctx, row))

	// The feed reports the same item under a new name with a new eTag but
	// the same content hash.
	renamed := graph.Item{
		ID: "X", DriveID: "d1", ParentID: "dirA", Name: "c.txt",
		ETag: "etag-new", QuickXorHash: "H1", IsFile: true, Size: 7,
		ModifiedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, rec.ApplyBatch(ctx, []RemoteChange{{Item: renamed}}))

	// Local rename happened; no download queued.
	_, err := os.Stat(filepath.Join(syncRoot, "A", "c.txt"))
	assert.NoError(t, err)

	_, err = os.Stat(filepath.Join(syncRoot, "A", "b.txt"))
	assert.True(t, os.IsNotExist(err))

	assert.Empty(t, rec.Downloads())

	got, err := store.GetItem(ctx, "d1", "X")
	require.NoError(t, err)
	assert.Equal(t, "c.txt", got.Name)
	assert.Equal(t, "etag-new", got.ETag)
	assert.Equal(t, "A/c.txt", got.Path)
}

func TestReconciler_ContentChangeQueuesDownload(t *testing.T) {
	rec, store, _ := newTestReconciler(t, ReconcilerOpts{})
	ctx := context.Background()

	seedRoot(t, store)

	row := testItem("d1", "X", "root", "b.txt", "b.txt", ItemTypeFile)
	row.ETag = "etag-old"
	row.QuickXorHash = "old-hash"
	require.NoError(t, store.UpsertItem(ctx, row))

	changed := remoteFile("X", "root", "b.txt", 9, "new-hash", time.Now())

	require.NoError(t, rec.ApplyBatch(ctx, []RemoteChange{{Item: changed}}))

	downloads := rec.Downloads()
	require.Len(t, downloads, 1)
	assert.Equal(t, "new-hash", downloads[0].Remote.QuickXorHash)
}

func TestReconciler_SkipParentPropagation(t *testing.T) {
	rec, store, _ := newTestReconciler(t, ReconcilerOpts{})
	ctx := context.Background()

	seedRoot(t, store)
	rec.MarkParentSkipped("d1", "skipped-dir")

	child := remoteFile("c1", "skipped-dir", "inner.txt", 5, "h", time.Now())
	grandchild := remoteFile("c2", "c1", "deeper.txt", 5, "h", time.Now())

	require.NoError(t, rec.ApplyBatch(ctx, []RemoteChange{{Item: child}, {Item: grandchild}}))

	for _, id := range []string{"c1", "c2"} {
		row, err := store.GetItem(ctx, "d1", id)
		require.NoError(t, err)
		assert.Nil(t, row)
	}

	assert.Empty(t, rec.Downloads())
}

func TestReconciler_OrphanDeferred(t *testing.T) {
	rec, store, _ := newTestReconciler(t, ReconcilerOpts{})
	ctx := context.Background()

	seedRoot(t, store)

	orphan := remoteFile("o1", "unknown-parent", "x.txt", 5, "h", time.Now())

	require.NoError(t, rec.ApplyBatch(ctx, []RemoteChange{{Item: orphan}}))

	row, err := store.GetItem(ctx, "d1", "o1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestReconciler_OrphanWithParentReference(t *testing.T) {
	rec, store, _ := newTestReconciler(t, ReconcilerOpts{})
	ctx := context.Background()

	seedRoot(t, store)

	orphan := remoteFile("o1", "unknown-parent", "x.txt", 5, "h", time.Now())
	orphan.ParentPath = "/drives/d1/root:/Deep/Sub"

	require.NoError(t, rec.ApplyBatch(ctx, []RemoteChange{{Item: orphan}}))

	row, err := store.GetItem(ctx, "d1", "o1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Deep/Sub/x.txt", row.Path)
}

func TestReconciler_ProcessDeletionsDedupes(t *testing.T) {
	rec, store, _ := newTestReconciler(t, ReconcilerOpts{})
	ctx := context.Background()

	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "dirA", "root", "A", "A", ItemTypeFolder)))
	require.NoError(t, store.UpsertItem(ctx, testItem("d1", "f1", "dirA", "b.txt", "A/b.txt", ItemTypeFile)))

	rec.QueueDeletion("d1", "dirA")
	rec.QueueDeletion("d1", "f1") // already part of dirA's subtree

	doomed, err := rec.ProcessDeletions(ctx)
	require.NoError(t, err)
	require.Len(t, doomed, 2)
	assert.Equal(t, "A/b.txt", doomed[0].Path)

	// Queue drained.
	assert.Zero(t, rec.PendingDeletions())
}

func TestReconciler_BusinessSharedFolderGating(t *testing.T) {
	store := newMemStore()
	syncRoot := t.TempDir()
	cfg := config.FilterConfig{}
	filter := NewFilterEngine(&cfg, syncRoot, AccountBusiness, testLogger(t))

	items := newFakeItems()
	items.items["root"] = &graph.Item{ID: "owner-root", IsRoot: true, IsFolder: true}
	shared := NewSharedFolderHandler(store, items, testLogger(t))

	rec := NewReconciler(store, filter, shared, syncRoot, ReconcilerOpts{
		Account:                 AccountBusiness,
		SyncBusinessSharedItems: false,
	}, testLogger(t))

	ctx := context.Background()
	seedRoot(t, store)

	require.NoError(t, rec.ApplyBatch(ctx, []RemoteChange{{Item: *sharedPointer()}}))

	// No ties materialized; the folder is recorded online-only.
	tie, err := store.GetRemoteTie(ctx, "owner-drive", "their-folder")
	require.NoError(t, err)
	assert.Nil(t, tie)
	assert.True(t, shared.IsSkipped("owner-drive", "their-folder"))

	// A repeat feed entry is dropped without re-processing.
	require.NoError(t, rec.ApplyBatch(ctx, []RemoteChange{{Item: *sharedPointer()}}))

	rows, err := store.ListDriveItems(ctx, "owner-drive")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReconciler_BusinessSharedFolderEnabled(t *testing.T) {
	store := newMemStore()
	syncRoot := t.TempDir()
	cfg := config.FilterConfig{}
	filter := NewFilterEngine(&cfg, syncRoot, AccountBusiness, testLogger(t))

	items := newFakeItems()
	items.items["root"] = &graph.Item{ID: "owner-root", IsRoot: true, IsFolder: true}
	shared := NewSharedFolderHandler(store, items, testLogger(t))

	rec := NewReconciler(store, filter, shared, syncRoot, ReconcilerOpts{
		Account:                 AccountBusiness,
		SyncBusinessSharedItems: true,
	}, testLogger(t))

	ctx := context.Background()
	seedRoot(t, store)

	require.NoError(t, rec.ApplyBatch(ctx, []RemoteChange{{Item: *sharedPointer()}}))

	tie, err := store.GetRemoteTie(ctx, "owner-drive", "their-folder")
	require.NoError(t, err)
	assert.NotNil(t, tie)
	assert.False(t, shared.IsSkipped("owner-drive", "their-folder"))
}
