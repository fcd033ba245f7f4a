package sync

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

// fakeDownloads serves scripted content, optionally failing mid-stream.
type fakeDownloads struct {
	content  []byte
	failFrom int // fail after writing this many bytes (-1 = never)
	offsets  []int64
}

func (f *fakeDownloads) DownloadRange(_ context.Context, _ driveid.ID, _ string, w io.Writer, offset int64) (int64, error) {
	f.offsets = append(f.offsets, offset)

	data := f.content[offset:]

	if f.failFrom >= 0 {
		cut := f.failFrom - int(offset)
		if cut < 0 {
			cut = 0
		}

		if cut < len(data) {
			n, _ := w.Write(data[:cut])
			f.failFrom = -1 // succeed on retry

			return int64(n), errors.New("connection reset")
		}
	}

	n, err := w.Write(data)

	return int64(n), err
}

var _ DownloadClient = (*fakeDownloads)(nil)

func newTestDownloader(t *testing.T, store Store, opts DownloaderOpts) (*Downloader, *SessionStore, string) {
	t.Helper()

	syncRoot := t.TempDir()
	sessions := NewSessionStore(t.TempDir(), testLogger(t))
	dl := NewDownloader(store, sessions, nil, syncRoot, AccountPersonal, opts, testLogger(t))

	return dl, sessions, syncRoot
}

func downloadTask(t *testing.T, path string, content []byte) *DownloadTask {
	t.Helper()

	// Hash the content to advertise a correct remote fingerprint.
	tmp := writeTestFile(t, t.TempDir(), "hashing", content)

	hash, err := ComputeQuickXorHash(tmp)
	require.NoError(t, err)

	return &DownloadTask{
		Item: &Item{DriveID: "d1", ItemID: "i1", Path: path, ItemType: ItemTypeFile},
		Remote: graph.Item{
			ID: "i1", DriveID: "d1", Size: int64(len(content)),
			QuickXorHash: hash,
			ModifiedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestDownloader_Success(t *testing.T) {
	store := newMemStore()
	dl, _, syncRoot := newTestDownloader(t, store, DownloaderOpts{})
	ctx := context.Background()

	content := []byte("downloaded content")
	task := downloadTask(t, "A/b.txt", content)
	clients := TransferClients{Downloads: &fakeDownloads{content: content, failFrom: -1}}

	require.NoError(t, dl.Download(ctx, clients, task))

	dest := filepath.Join(syncRoot, "A", "b.txt")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// mtime restored from the remote facet.
	fi, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, SameMtime(fi.ModTime(), task.Remote.ModifiedAt))

	// State row carries local and synced views.
	row, err := store.GetItem(ctx, "d1", "i1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, task.Remote.QuickXorHash, row.SyncedHash)
	require.NotNil(t, row.LocalSize)
	assert.Equal(t, int64(len(content)), *row.LocalSize)
}

func TestDownloader_MalwareRefused(t *testing.T) {
	store := newMemStore()
	dl, _, _ := newTestDownloader(t, store, DownloaderOpts{})

	task := downloadTask(t, "bad.exe", []byte("x"))
	task.Remote.IsMalware = true

	err := dl.Download(context.Background(), TransferClients{Downloads: &fakeDownloads{failFrom: -1}}, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalwareDetected)
}

func TestDownloader_ResumeAfterInterruption(t *testing.T) {
	store := newMemStore()
	dl, sessions, syncRoot := newTestDownloader(t, store, DownloaderOpts{})
	ctx := context.Background()

	content := []byte("0123456789abcdefghij")
	task := downloadTask(t, "big.bin", content)

	// First attempt dies after 8 bytes; a resume descriptor is persisted.
	downloads := &fakeDownloads{content: content, failFrom: 8}
	clients := TransferClients{Downloads: downloads}

	err := dl.Download(ctx, clients, task)
	require.Error(t, err)

	persisted, loadErr := sessions.LoadDownloads()
	require.NoError(t, loadErr)
	require.Len(t, persisted, 1)

	for _, desc := range persisted {
		assert.Equal(t, int64(8), desc.ResumeOffset)
	}

	// Second attempt resumes at the recorded offset and completes.
	require.NoError(t, dl.Download(ctx, clients, task))
	assert.Equal(t, []int64{0, 8}, downloads.offsets)

	data, readErr := os.ReadFile(filepath.Join(syncRoot, "big.bin"))
	require.NoError(t, readErr)
	assert.Equal(t, content, data)

	// The descriptor was removed on success.
	persisted, loadErr = sessions.LoadDownloads()
	require.NoError(t, loadErr)
	assert.Empty(t, persisted)
}

func TestDownloader_HashMismatchClearsRow(t *testing.T) {
	store := newMemStore()
	dl, _, syncRoot := newTestDownloader(t, store, DownloaderOpts{})
	ctx := context.Background()

	require.NoError(t, store.UpsertItem(ctx,
		testItem("d1", "i1", "root", "b.txt", "b.txt", ItemTypeFile)))

	content := []byte("served bytes")
	task := downloadTask(t, "b.txt", []byte("different bytes"))
	task.Item = mustGet(t, store, "d1", "i1")

	err := dl.Download(ctx, TransferClients{Downloads: &fakeDownloads{content: content, failFrom: -1}}, task)
	require.Error(t, err)

	// Partial removed, row cleared so the next cycle re-fetches cleanly.
	_, statErr := os.Lstat(filepath.Join(syncRoot, "b.txt.partial"))
	assert.True(t, os.IsNotExist(statErr))

	row, getErr := store.GetItem(ctx, "d1", "i1")
	require.NoError(t, getErr)
	assert.Nil(t, row)
}

func TestDownloader_DisableValidationAcceptsMismatch(t *testing.T) {
	store := newMemStore()
	dl, _, syncRoot := newTestDownloader(t, store, DownloaderOpts{DisableValidation: true})
	ctx := context.Background()

	content := []byte("served bytes")
	task := downloadTask(t, "b.txt", []byte("different bytes"))

	require.NoError(t, dl.Download(ctx,
		TransferClients{Downloads: &fakeDownloads{content: content, failFrom: -1}}, task))

	data, err := os.ReadFile(filepath.Join(syncRoot, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestDownloader_DryRunDownloadsNothing(t *testing.T) {
	store := newMemStore()
	dl, _, syncRoot := newTestDownloader(t, store, DownloaderOpts{DryRun: true})

	content := []byte("x")
	task := downloadTask(t, "b.txt", content)

	require.NoError(t, dl.Download(context.Background(),
		TransferClients{Downloads: &fakeDownloads{content: content, failFrom: -1}}, task))

	_, err := os.Lstat(filepath.Join(syncRoot, "b.txt"))
	assert.True(t, os.IsNotExist(err))
}

func mustGet(t *testing.T, store Store, driveID, itemID string) *Item {
	t.Helper()

	it, err := store.GetItem(context.Background(), driveID, itemID)
	require.NoError(t, err)
	require.NotNil(t, it)

	return it
}
