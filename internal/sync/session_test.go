package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_UploadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir, testLogger(t))

	nonce := NewNonce()
	desc := &UploadDescriptor{
		UploadURL:          "https://upload.example/abc",
		ExpirationDateTime: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		NextExpectedRanges: []string{"327680-"},
		LocalPath:          "/home/u/OneDrive/big.bin",
		TargetDriveID:      "d1",
		TargetParentID:     "root",
		TargetName:         "big.bin",
		TotalSize:          100 << 20,
	}

	require.NoError(t, store.SaveUpload(nonce, desc))

	loaded, err := store.LoadUploads()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Contains(t, loaded, nonce)

	got := loaded[nonce]
	assert.Equal(t, desc.UploadURL, got.UploadURL)
	assert.Equal(t, int64(327680), got.NextOffset())
	assert.Equal(t, desc.TotalSize, got.TotalSize)

	store.RemoveUpload(nonce)

	loaded, err = store.LoadUploads()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSessionStore_DownloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir, testLogger(t))

	nonce := NewNonce()
	desc := &DownloadDescriptor{
		DriveID:          "d1",
		ItemID:           "i1",
		DownloadFilename: "/sync/a.bin.partial",
		OriginalFilename: "a.bin",
		ResumeOffset:     4096,
	}
	desc.OnlineHash.QuickXorHash = "aGFzaA=="

	require.NoError(t, store.SaveDownload(nonce, desc))

	loaded, err := store.LoadDownloads()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(4096), loaded[nonce].ResumeOffset)
	assert.Equal(t, "aGFzaA==", loaded[nonce].OnlineHash.QuickXorHash)
}

func TestSessionStore_CorruptDescriptorDiscarded(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir, testLogger(t))

	corrupt := filepath.Join(dir, uploadDescPrefix+"bad-nonce")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))

	loaded, err := store.LoadUploads()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	// The corrupt file was removed so it is not re-parsed next run.
	_, statErr := os.Lstat(corrupt)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUploadDescriptor_NextOffset(t *testing.T) {
	d := &UploadDescriptor{}
	assert.Equal(t, int64(0), d.NextOffset())

	d.NextExpectedRanges = []string{"655360-104857599"}
	assert.Equal(t, int64(655360), d.NextOffset())

	d.NextExpectedRanges = []string{"garbage"}
	assert.Equal(t, int64(0), d.NextOffset())
}

func TestSessionStore_MissingDirIsEmpty(t *testing.T) {
	store := NewSessionStore(filepath.Join(t.TempDir(), "nope"), testLogger(t))

	loaded, err := store.LoadUploads()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
