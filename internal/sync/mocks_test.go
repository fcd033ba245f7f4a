package sync

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

// testLogger returns a logger that discards output unless -v is set.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// memStore is an in-memory Store for component tests that don't need SQLite.
type memStore struct {
	mu    gosync.Mutex
	items map[itemKey]*Item
	links map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		items: make(map[itemKey]*Item),
		links: make(map[string]string),
	}
}

func (m *memStore) GetItem(_ context.Context, driveID, itemID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemKey{driveID, itemID}]
	if !ok || it.IsDeleted {
		return nil, nil
	}

	copied := *it

	return &copied, nil
}

func (m *memStore) UpsertItem(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *item
	if copied.SyncStatus == "" {
		copied.SyncStatus = SyncStatusSeen
	}

	m.items[itemKey{item.DriveID, item.ItemID}] = &copied

	return nil
}

func (m *memStore) BatchUpsert(ctx context.Context, items []*Item) error {
	for _, it := range items {
		if err := m.UpsertItem(ctx, it); err != nil {
			return err
		}
	}

	return nil
}

func (m *memStore) MarkDeleted(_ context.Context, driveID, itemID string, deletedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.items[itemKey{driveID, itemID}]; ok {
		it.IsDeleted = true
		it.DeletedAt = &deletedAt
	}

	return nil
}

func (m *memStore) DeleteItemByKey(_ context.Context, driveID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, itemKey{driveID, itemID})

	return nil
}

func (m *memStore) ListChildren(_ context.Context, driveID, parentID string) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Item

	for _, it := range m.items {
		if it.ParentDriveID == driveID && it.ParentID == parentID && !it.IsDeleted {
			copied := *it
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })

	return out, nil
}

func (m *memStore) GetItemByPath(_ context.Context, driveID, path string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.DriveID == driveID && it.Path == path && !it.IsDeleted {
			copied := *it
			return &copied, nil
		}
	}

	return nil, nil
}

func (m *memStore) ListDriveItems(_ context.Context, driveID string) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Item

	for _, it := range m.items {
		if it.DriveID == driveID && !it.IsDeleted {
			copied := *it
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func (m *memStore) ListDriveIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}

	var out []string

	for k := range m.items {
		if !seen[k.driveID] {
			seen[k.driveID] = true

			out = append(out, k.driveID)
		}
	}

	sort.Strings(out)

	return out, nil
}

func (m *memStore) ListAllActiveItems(context.Context) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Item

	for _, it := range m.items {
		if !it.IsDeleted {
			copied := *it
			out = append(out, &copied)
		}
	}

	return out, nil
}

func (m *memStore) GetRemoteTie(_ context.Context, remoteDriveID, remoteID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.RemoteDriveID == remoteDriveID && it.RemoteID == remoteID && !it.IsDeleted {
			copied := *it
			return &copied, nil
		}
	}

	return nil, nil
}

func (m *memStore) DowngradeSyncStatus(_ context.Context, driveID, rootPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.DriveID != driveID || it.IsDeleted || it.ItemType == ItemTypeRoot {
			continue
		}

		if rootPath == "" || it.Path == rootPath || strings.HasPrefix(it.Path, rootPath+"/") {
			it.SyncStatus = SyncStatusUnseen
		}
	}

	return nil
}

func (m *memStore) ListUnsynced(_ context.Context, driveID string) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Item

	for _, it := range m.items {
		if it.DriveID == driveID && it.SyncStatus == SyncStatusUnseen && !it.IsDeleted {
			copied := *it
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func (m *memStore) MaterializePath(ctx context.Context, driveID, itemID string) (string, error) {
	it, err := m.GetItem(ctx, driveID, itemID)
	if err != nil || it == nil {
		return "", err
	}

	return it.Path, nil
}

func (m *memStore) CascadePathUpdate(_ context.Context, driveID, oldPrefix, newPrefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.DriveID == driveID && strings.HasPrefix(it.Path, oldPrefix+"/") {
			it.Path = newPrefix + strings.TrimPrefix(it.Path, oldPrefix)
		}
	}

	return nil
}

func (m *memStore) CleanupTombstones(context.Context, int) (int64, error) { return 0, nil }

func (m *memStore) GetDeltaLink(_ context.Context, driveID, rootID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.links[driveID+"/"+rootID], nil
}

func (m *memStore) SetDeltaLink(_ context.Context, driveID, rootID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[driveID+"/"+rootID] = token

	return nil
}

func (m *memStore) ClearDeltaLink(_ context.Context, driveID, rootID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, driveID+"/"+rootID)

	return nil
}

func (m *memStore) Checkpoint() error { return nil }
func (m *memStore) Close() error      { return nil }

var _ Store = (*memStore)(nil)

// --- Fake graph clients ---

// fakeFetcher serves scripted delta pages, optionally failing first.
type fakeFetcher struct {
	pages []*graph.DeltaPage
	errs  []error
	calls int
}

func (f *fakeFetcher) Delta(context.Context, string, string) (*graph.DeltaPage, error) {
	i := f.calls
	f.calls++

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}

	if i >= len(f.pages) {
		return &graph.DeltaPage{DeltaLink: "delta-final"}, nil
	}

	return f.pages[i], nil
}

// fakeItems implements ItemClient with scripted children and recorded calls.
type fakeItems struct {
	mu          gosync.Mutex
	children    map[string][]graph.Item
	items       map[string]*graph.Item
	deleted     []string
	folders     []string
	errs        map[string]error
	fsInfoCalls int
}

func newFakeItems() *fakeItems {
	return &fakeItems{
		children: make(map[string][]graph.Item),
		items:    make(map[string]*graph.Item),
		errs:     make(map[string]error),
	}
}

func (f *fakeItems) GetItem(_ context.Context, _ driveid.ID, itemID string) (*graph.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if it, ok := f.items[itemID]; ok {
		copied := *it
		return &copied, nil
	}

	return &graph.Item{ID: itemID, IsRoot: itemID == "root", IsFolder: true}, nil
}

func (f *fakeItems) ListChildren(_ context.Context, _ driveid.ID, parentID string) ([]graph.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.children[parentID], nil
}

func (f *fakeItems) CreateFolder(_ context.Context, _ driveid.ID, parentID, name string) (*graph.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs["create:"+name]; err != nil {
		return nil, err
	}

	f.folders = append(f.folders, parentID+"/"+name)

	return &graph.Item{ID: "created-" + name, Name: name, ParentID: parentID, IsFolder: true}, nil
}

func (f *fakeItems) MoveItem(_ context.Context, _ driveid.ID, itemID, newParentID, newName string) (*graph.Item, error) {
	return &graph.Item{ID: itemID, Name: newName, ParentID: newParentID}, nil
}

func (f *fakeItems) UpdateFileSystemInfo(_ context.Context, _ driveid.ID, itemID string, mtime time.Time) (*graph.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fsInfoCalls++

	if it, ok := f.items[itemID]; ok {
		copied := *it
		copied.ModifiedAt = mtime

		return &copied, nil
	}

	return &graph.Item{ID: itemID, ModifiedAt: mtime}, nil
}

func (f *fakeItems) DeleteItem(_ context.Context, _ driveid.ID, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs["delete:"+itemID]; err != nil {
		return err
	}

	f.deleted = append(f.deleted, itemID)

	return nil
}

func (f *fakeItems) PermanentDelete(_ context.Context, _ driveid.ID, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, "permanent:"+itemID)

	return nil
}

var _ ItemClient = (*fakeItems)(nil)
