package sync

import (
	"context"
)

// shadowStore wraps a Store for --dry-run: writes land in an in-memory
// overlay of "faked" creations instead of the database, so subsequent cycle
// stages believe the items exist without mutating disk state. Reads consult
// the overlay first, then fall through.
type shadowStore struct {
	Store

	faked   map[itemKey]*Item
	byPath  map[string]*Item
	deleted map[itemKey]bool
}

// newShadowStore wraps base for a dry-run cycle.
func newShadowStore(base Store) *shadowStore {
	return &shadowStore{
		Store:   base,
		faked:   make(map[itemKey]*Item),
		byPath:  make(map[string]*Item),
		deleted: make(map[itemKey]bool),
	}
}

func (s *shadowStore) GetItem(ctx context.Context, driveID, itemID string) (*Item, error) {
	k := itemKey{driveID: driveID, itemID: itemID}

	if s.deleted[k] {
		return nil, nil
	}

	if it, ok := s.faked[k]; ok {
		return it, nil
	}

	return s.Store.GetItem(ctx, driveID, itemID)
}

func (s *shadowStore) GetItemByPath(ctx context.Context, driveID, path string) (*Item, error) {
	if it, ok := s.byPath[driveID+"\x00"+path]; ok {
		if s.deleted[itemKey{driveID: it.DriveID, itemID: it.ItemID}] {
			return nil, nil
		}

		return it, nil
	}

	return s.Store.GetItemByPath(ctx, driveID, path)
}

func (s *shadowStore) UpsertItem(_ context.Context, item *Item) error {
	copied := *item
	k := itemKey{driveID: item.DriveID, itemID: item.ItemID}

	delete(s.deleted, k)
	s.faked[k] = &copied
	s.byPath[item.DriveID+"\x00"+item.Path] = &copied

	return nil
}

func (s *shadowStore) BatchUpsert(ctx context.Context, items []*Item) error {
	for _, it := range items {
		if err := s.UpsertItem(ctx, it); err != nil {
			return err
		}
	}

	return nil
}

func (s *shadowStore) MarkDeleted(_ context.Context, driveID, itemID string, _ int64) error {
	s.deleted[itemKey{driveID: driveID, itemID: itemID}] = true
	return nil
}

func (s *shadowStore) DeleteItemByKey(_ context.Context, driveID, itemID string) error {
	s.deleted[itemKey{driveID: driveID, itemID: itemID}] = true
	return nil
}

func (s *shadowStore) DowngradeSyncStatus(context.Context, string, string) error { return nil }

func (s *shadowStore) CascadePathUpdate(context.Context, string, string, string) error { return nil }

func (s *shadowStore) SetDeltaLink(context.Context, string, string, string) error { return nil }

func (s *shadowStore) ClearDeltaLink(context.Context, string, string) error { return nil }

func (s *shadowStore) CleanupTombstones(context.Context, int) (int64, error) { return 0, nil }

func (s *shadowStore) Checkpoint() error { return nil }

// Close is a no-op: the engine owns the underlying store's lifecycle.
func (s *shadowStore) Close() error { return nil }
