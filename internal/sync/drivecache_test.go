package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

type fakeQuotaClient struct {
	drive *graph.Drive
	err   error
	calls int
}

func (f *fakeQuotaClient) Drive(context.Context, driveid.ID) (*graph.Drive, error) {
	f.calls++
	return f.drive, f.err
}

func TestDriveCache_RemainingFetchesOnFirstCall(t *testing.T) {
	client := &fakeQuotaClient{drive: &graph.Drive{QuotaTotal: 1000, QuotaRemaining: 400, QuotaState: "normal"}}
	cache := NewDriveCache(client, testLogger(t))

	remaining, err := cache.Remaining(context.Background(), driveid.New("abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(400), remaining)
	assert.Equal(t, 1, client.calls)
}

func TestDriveCache_HasHeadroom(t *testing.T) {
	client := &fakeQuotaClient{drive: &graph.Drive{QuotaTotal: 1000, QuotaRemaining: 400, QuotaState: "normal"}}
	cache := NewDriveCache(client, testLogger(t))

	id := driveid.New("abc")

	ok, err := cache.HasHeadroom(context.Background(), id, 300)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.HasHeadroom(context.Background(), id, 500)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDriveCache_DecrementUploadLowersRemaining(t *testing.T) {
	client := &fakeQuotaClient{drive: &graph.Drive{QuotaTotal: 1000, QuotaRemaining: 400, QuotaState: "normal"}}
	cache := NewDriveCache(client, testLogger(t))

	id := driveid.New("abc")

	_, err := cache.Remaining(context.Background(), id)
	require.NoError(t, err)

	cache.DecrementUpload(id, 150)

	remaining, err := cache.Remaining(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(250), remaining)
	// Still within TTL — no second fetch.
	assert.Equal(t, 1, client.calls)
}

func TestDriveCache_DecrementToZeroMarksRestricted(t *testing.T) {
	client := &fakeQuotaClient{drive: &graph.Drive{QuotaTotal: 1000, QuotaRemaining: 100, QuotaState: "normal"}}
	cache := NewDriveCache(client, testLogger(t))

	id := driveid.New("abc")

	_, err := cache.Remaining(context.Background(), id)
	require.NoError(t, err)

	cache.DecrementUpload(id, 100)

	restricted, err := cache.Restricted(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, restricted)
}

func TestDriveCache_RefreshError(t *testing.T) {
	client := &fakeQuotaClient{err: errors.New("graph unavailable")}
	cache := NewDriveCache(client, testLogger(t))

	_, err := cache.Remaining(context.Background(), driveid.New("abc"))
	require.Error(t, err)
}
