package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit bounds the WAL file size.
const walJournalSizeLimit = 67108864 // 64 MiB

// ErrStateInconsistent is returned when the item table fails a structural
// cross-check (a cycle in a parent chain). The engine treats this as fatal
// and instructs the user to --resync; no repair is attempted.
var ErrStateInconsistent = errors.New("sync: state database inconsistent, resync required")

// Store is the interface for the sync state database. All sync components
// operate against this interface rather than the concrete SQLite
// implementation.
type Store interface {
	// Items
	GetItem(ctx context.Context, driveID, itemID string) (*Item, error)
	UpsertItem(ctx context.Context, item *Item) error
	BatchUpsert(ctx context.Context, items []*Item) error
	MarkDeleted(ctx context.Context, driveID, itemID string, deletedAt int64) error
	DeleteItemByKey(ctx context.Context, driveID, itemID string) error
	ListChildren(ctx context.Context, driveID, parentID string) ([]*Item, error)
	GetItemByPath(ctx context.Context, driveID, path string) (*Item, error)
	ListDriveItems(ctx context.Context, driveID string) ([]*Item, error)
	ListDriveIDs(ctx context.Context) ([]string, error)
	ListAllActiveItems(ctx context.Context) ([]*Item, error)

	// Shared-folder ties
	GetRemoteTie(ctx context.Context, remoteDriveID, remoteID string) (*Item, error)

	// Simulated-delta bookkeeping
	DowngradeSyncStatus(ctx context.Context, driveID, rootPath string) error
	ListUnsynced(ctx context.Context, driveID string) ([]*Item, error)

	// Path materialization
	MaterializePath(ctx context.Context, driveID, itemID string) (string, error)
	CascadePathUpdate(ctx context.Context, driveID, oldPrefix, newPrefix string) error

	// Tombstone lifecycle
	CleanupTombstones(ctx context.Context, retentionDays int) (int64, error)

	// Delta-link checkpoints, one per (drive, root item) pair
	GetDeltaLink(ctx context.Context, driveID, rootID string) (string, error)
	SetDeltaLink(ctx context.Context, driveID, rootID, token string) error
	ClearDeltaLink(ctx context.Context, driveID, rootID string) error

	// Maintenance
	Checkpoint() error
	Close() error
}

// SQLiteStore implements the Store interface using an embedded SQLite
// database in WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	itemStmts  itemStatements
	deltaStmts deltaStatements
}

// Statement groups keep the struct readable.
type itemStatements struct {
	get, upsert, markDeleted, deleteByKey, listChildren, getByPath,
	listDrive, listAllActive, getRemoteTie, listUnsynced *sql.Stmt
}

type deltaStatements struct {
	getLink, saveLink, deleteLink *sql.Stmt
}

// NewStore creates a new SQLiteStore, opening the database at dbPath,
// applying migrations, and preparing all repeated statements.
// Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening sync state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("sync state database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- SQL query constants ---

// Item queries.
const (
	sqlItemColumns = `drive_id, item_id, parent_drive_id, parent_id, name,
		item_type, path, size, etag, ctag, quick_xor_hash, sha256_hash,
		remote_mtime, local_size, local_mtime, local_hash,
		synced_size, synced_mtime, synced_hash, last_synced_at,
		remote_drive_id, remote_id, remote_name, remote_parent_id, remote_type,
		reloc_drive_id, reloc_parent_id, sync_status,
		is_deleted, deleted_at, created_at, updated_at`

	sqlGetItem = `SELECT ` + sqlItemColumns +
		` FROM items WHERE drive_id = ? AND item_id = ?`

	sqlUpsertItem = `INSERT INTO items (` + sqlItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(drive_id, item_id) DO UPDATE SET
			parent_drive_id  = excluded.parent_drive_id,
			parent_id        = excluded.parent_id,
			name             = excluded.name,
			item_type        = excluded.item_type,
			path             = excluded.path,
			size             = excluded.size,
			etag             = excluded.etag,
			ctag             = excluded.ctag,
			quick_xor_hash   = excluded.quick_xor_hash,
			sha256_hash      = excluded.sha256_hash,
			remote_mtime     = excluded.remote_mtime,
			local_size       = excluded.local_size,
			local_mtime      = excluded.local_mtime,
			local_hash       = excluded.local_hash,
			synced_size      = excluded.synced_size,
			synced_mtime     = excluded.synced_mtime,
			synced_hash      = excluded.synced_hash,
			last_synced_at   = excluded.last_synced_at,
			remote_drive_id  = excluded.remote_drive_id,
			remote_id        = excluded.remote_id,
			remote_name      = excluded.remote_name,
			remote_parent_id = excluded.remote_parent_id,
			remote_type      = excluded.remote_type,
			reloc_drive_id   = excluded.reloc_drive_id,
			reloc_parent_id  = excluded.reloc_parent_id,
			sync_status      = excluded.sync_status,
			is_deleted       = excluded.is_deleted,
			deleted_at       = excluded.deleted_at,
			updated_at       = excluded.updated_at`

	sqlMarkDeleted = `UPDATE items
		SET is_deleted = 1, deleted_at = ?, updated_at = ?
		WHERE drive_id = ? AND item_id = ?`

	sqlDeleteItemByKey = `DELETE FROM items WHERE drive_id = ? AND item_id = ?`

	sqlListChildren = `SELECT ` + sqlItemColumns +
		` FROM items
		WHERE parent_drive_id = ? AND parent_id = ? AND is_deleted = 0`

	sqlGetItemByPath = `SELECT ` + sqlItemColumns +
		` FROM items WHERE drive_id = ? AND path = ? AND is_deleted = 0`

	sqlListDriveItems = `SELECT ` + sqlItemColumns +
		` FROM items WHERE drive_id = ? AND is_deleted = 0`

	sqlListAllActive = `SELECT ` + sqlItemColumns +
		` FROM items WHERE is_deleted = 0`

	sqlGetRemoteTie = `SELECT ` + sqlItemColumns +
		` FROM items
		WHERE remote_drive_id = ? AND remote_id = ? AND is_deleted = 0`

	sqlListUnsynced = `SELECT ` + sqlItemColumns +
		` FROM items
		WHERE drive_id = ? AND sync_status = 'N' AND is_deleted = 0`
)

// Delta-link queries. Tokens checkpoint per (drive, root item) pair so a
// single database can track several scopes (account root, shared-folder
// roots) independently.
const (
	sqlGetDeltaLink = `SELECT token FROM delta_links
		WHERE drive_id = ? AND root_id = ?` //nolint:gosec // SQL column, not a credential

	sqlSaveDeltaLink = `INSERT INTO delta_links
		(drive_id, root_id, token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(drive_id, root_id) DO UPDATE
		SET token = excluded.token, updated_at = excluded.updated_at`

	sqlDeleteDeltaLink = `DELETE FROM delta_links
		WHERE drive_id = ? AND root_id = ?`
)

// stmtDef maps a SQL string to the prepared statement pointer it populates.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// prepareAllStatements creates all prepared statements grouped by domain.
func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.itemStmts.get, sqlGetItem, "getItem"},
		{&s.itemStmts.upsert, sqlUpsertItem, "upsertItem"},
		{&s.itemStmts.markDeleted, sqlMarkDeleted, "markDeleted"},
		{&s.itemStmts.deleteByKey, sqlDeleteItemByKey, "deleteItemByKey"},
		{&s.itemStmts.listChildren, sqlListChildren, "listChildren"},
		{&s.itemStmts.getByPath, sqlGetItemByPath, "getItemByPath"},
		{&s.itemStmts.listDrive, sqlListDriveItems, "listDriveItems"},
		{&s.itemStmts.listAllActive, sqlListAllActive, "listAllActive"},
		{&s.itemStmts.getRemoteTie, sqlGetRemoteTie, "getRemoteTie"},
		{&s.itemStmts.listUnsynced, sqlListUnsynced, "listUnsynced"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.deltaStmts.getLink, sqlGetDeltaLink, "getDeltaLink"},
		{&s.deltaStmts.saveLink, sqlSaveDeltaLink, "saveDeltaLink"},
		{&s.deltaStmts.deleteLink, sqlDeleteDeltaLink, "deleteDeltaLink"},
	})
}

// --- Item scanning helpers ---

// scanItem scans a full item row from the database into an Item struct.
func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	item := &Item{}

	err := row.Scan(
		&item.DriveID, &item.ItemID, &item.ParentDriveID, &item.ParentID,
		&item.Name, &item.ItemType, &item.Path,
		&item.Size, &item.ETag, &item.CTag, &item.QuickXorHash,
		&item.SHA256Hash, &item.RemoteMtime,
		&item.LocalSize, &item.LocalMtime, &item.LocalHash,
		&item.SyncedSize, &item.SyncedMtime, &item.SyncedHash, &item.LastSyncedAt,
		&item.RemoteDriveID, &item.RemoteID, &item.RemoteName, &item.RemoteParentID, &item.RemoteType,
		&item.RelocDriveID, &item.RelocParentID, &item.SyncStatus,
		&item.IsDeleted, &item.DeletedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return item, nil
}

// scanItemRows iterates over sql.Rows and collects Items.
func scanItemRows(rows *sql.Rows) ([]*Item, error) {
	var items []*Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}

	return items, nil
}

// upsertItemArgs returns the argument slice for the upsert prepared statement.
func upsertItemArgs(item *Item) []any {
	return []any{
		item.DriveID, item.ItemID, item.ParentDriveID, item.ParentID,
		item.Name, string(item.ItemType), item.Path,
		item.Size, item.ETag, item.CTag, item.QuickXorHash,
		item.SHA256Hash, item.RemoteMtime,
		item.LocalSize, item.LocalMtime, item.LocalHash,
		item.SyncedSize, item.SyncedMtime, item.SyncedHash, item.LastSyncedAt,
		item.RemoteDriveID, item.RemoteID, item.RemoteName, item.RemoteParentID, item.RemoteType,
		item.RelocDriveID, item.RelocParentID, item.SyncStatus,
		item.IsDeleted, item.DeletedAt, item.CreatedAt, item.UpdatedAt,
	}
}

// --- Item CRUD methods ---

// GetItem retrieves a single item by drive and item ID.
// Returns (nil, nil) if no item exists — callers (feed, reconciler) use the
// nil item to distinguish "new item" from "existing item".
func (s *SQLiteStore) GetItem(ctx context.Context, driveID, itemID string) (*Item, error) {
	item, err := scanItem(s.itemStmts.get.QueryRowContext(ctx, driveID, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get item %s/%s: %w", driveID, itemID, err)
	}

	return item, nil
}

// UpsertItem inserts or updates an item in the state database. Idempotent.
func (s *SQLiteStore) UpsertItem(ctx context.Context, item *Item) error {
	s.logger.Debug("upserting item",
		"drive_id", item.DriveID, "item_id", item.ItemID, "name", item.Name)

	if item.SyncStatus == "" {
		item.SyncStatus = SyncStatusSeen
	}

	_, err := s.itemStmts.upsert.ExecContext(ctx, upsertItemArgs(item)...)
	if err != nil {
		return fmt.Errorf("upsert item %s/%s: %w", item.DriveID, item.ItemID, err)
	}

	return nil
}

// BatchUpsert inserts or updates multiple items in a single transaction.
// Significantly faster than individual upserts for feed page application.
func (s *SQLiteStore) BatchUpsert(ctx context.Context, items []*Item) error {
	s.logger.Debug("batch upserting items", "count", len(items))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch upsert tx: %w", err)
	}

	stmt := tx.StmtContext(ctx, s.itemStmts.upsert)

	for i := range items {
		if items[i].SyncStatus == "" {
			items[i].SyncStatus = SyncStatusSeen
		}

		if _, execErr := stmt.ExecContext(ctx, upsertItemArgs(items[i])...); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("batch upsert item %d (%s/%s): %w (rollback: %v)",
				i, items[i].DriveID, items[i].ItemID, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch upsert: %w", err)
	}

	return nil
}

// MarkDeleted sets the tombstone fields on an item.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, driveID, itemID string, deletedAt int64) error {
	s.logger.Debug("marking item deleted", "drive_id", driveID, "item_id", itemID)

	_, err := s.itemStmts.markDeleted.ExecContext(ctx, deletedAt, NowNano(), driveID, itemID)
	if err != nil {
		return fmt.Errorf("mark deleted %s/%s: %w", driveID, itemID, err)
	}

	return nil
}

// DeleteItemByKey physically removes an item by primary key.
// Silently OK if the row is absent.
func (s *SQLiteStore) DeleteItemByKey(ctx context.Context, driveID, itemID string) error {
	s.logger.Debug("deleting item by key", "drive_id", driveID, "item_id", itemID)

	_, err := s.itemStmts.deleteByKey.ExecContext(ctx, driveID, itemID)
	if err != nil {
		return fmt.Errorf("delete item %s/%s: %w", driveID, itemID, err)
	}

	return nil
}

// ListChildren returns all non-deleted children of the given parent.
func (s *SQLiteStore) ListChildren(ctx context.Context, driveID, parentID string) ([]*Item, error) {
	rows, err := s.itemStmts.listChildren.QueryContext(ctx, driveID, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children %s/%s: %w", driveID, parentID, err)
	}
	defer rows.Close()

	return scanItemRows(rows)
}

// GetItemByPath returns the non-deleted item at the given path within a
// drive. Returns (nil, nil) if no item exists at the path.
func (s *SQLiteStore) GetItemByPath(ctx context.Context, driveID, path string) (*Item, error) {
	item, err := scanItem(s.itemStmts.getByPath.QueryRowContext(ctx, driveID, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get item by path %s:%q: %w", driveID, path, err)
	}

	return item, nil
}

// ListDriveItems returns all non-deleted items belonging to a drive.
func (s *SQLiteStore) ListDriveItems(ctx context.Context, driveID string) ([]*Item, error) {
	rows, err := s.itemStmts.listDrive.QueryContext(ctx, driveID)
	if err != nil {
		return nil, fmt.Errorf("list drive items %s: %w", driveID, err)
	}
	defer rows.Close()

	return scanItemRows(rows)
}

// ListDriveIDs returns the distinct drive IDs present in the store.
func (s *SQLiteStore) ListDriveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT drive_id FROM items`)
	if err != nil {
		return nil, fmt.Errorf("list drive ids: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan drive id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drive ids: %w", err)
	}

	return ids, nil
}

// ListAllActiveItems returns all non-deleted items in the database.
func (s *SQLiteStore) ListAllActiveItems(ctx context.Context) ([]*Item, error) {
	rows, err := s.itemStmts.listAllActive.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active items: %w", err)
	}
	defer rows.Close()

	return scanItemRows(rows)
}

// GetRemoteTie returns the pointer item whose remote facet targets
// (remoteDriveID, remoteID), or (nil, nil) if none exists. Used by the
// shared-folder handler to find the local mount of a remote subtree.
func (s *SQLiteStore) GetRemoteTie(ctx context.Context, remoteDriveID, remoteID string) (*Item, error) {
	item, err := scanItem(s.itemStmts.getRemoteTie.QueryRowContext(ctx, remoteDriveID, remoteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get remote tie %s/%s: %w", remoteDriveID, remoteID, err)
	}

	return item, nil
}

// --- Simulated-delta bookkeeping ---

// DowngradeSyncStatus marks a subtree (or a whole drive when rootPath is
// empty) as unseen. The simulated-delta feed then re-marks every item it
// enumerates; rows still unseen afterwards are treated as deleted online.
func (s *SQLiteStore) DowngradeSyncStatus(ctx context.Context, driveID, rootPath string) error {
	s.logger.Debug("downgrading sync status", "drive_id", driveID, "root_path", rootPath)

	var err error

	now := NowNano()

	if rootPath == "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE items SET sync_status = 'N', updated_at = ?
			 WHERE drive_id = ? AND is_deleted = 0 AND item_type != 'root'`,
			now, driveID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE items SET sync_status = 'N', updated_at = ?
			 WHERE drive_id = ? AND is_deleted = 0 AND item_type != 'root'
			   AND (path = ? OR path LIKE ?)`,
			now, driveID, rootPath, rootPath+"/%")
	}

	if err != nil {
		return fmt.Errorf("downgrade sync status %s: %w", driveID, err)
	}

	return nil
}

// ListUnsynced returns the items of a drive still flagged unseen after a
// simulated-delta enumeration sweep.
func (s *SQLiteStore) ListUnsynced(ctx context.Context, driveID string) ([]*Item, error) {
	rows, err := s.itemStmts.listUnsynced.QueryContext(ctx, driveID)
	if err != nil {
		return nil, fmt.Errorf("list unsynced %s: %w", driveID, err)
	}
	defer rows.Close()

	return scanItemRows(rows)
}

// --- Path materialization ---

// maxParentChainDepth caps the parent walk. Any real tree is far shallower;
// exceeding it means the chain loops.
const maxParentChainDepth = 512

// MaterializePath walks the parent chain to build the full path for an item.
// Returns empty string (not an error) when a parent is not yet in the DB —
// an orphaned item whose path will be recomputed when the parent arrives via
// a later feed page. A cycle in the chain returns ErrStateInconsistent.
func (s *SQLiteStore) MaterializePath(ctx context.Context, driveID, itemID string) (string, error) {
	segments, err := s.walkParentChain(ctx, driveID, itemID)
	if err != nil {
		return "", err
	}

	// nil segments means orphaned parent.
	if segments == nil {
		return "", nil
	}

	reverseStrings(segments)

	return filepath.Join(segments...), nil
}

// walkParentChain collects name segments from item up to root.
// Returns (nil, nil) when a parent is missing (orphan), and
// ErrStateInconsistent when the chain revisits a key (cycle).
func (s *SQLiteStore) walkParentChain(ctx context.Context, driveID, itemID string) ([]string, error) {
	var segments []string

	seen := make(map[string]bool)
	currentDriveID := driveID
	currentItemID := itemID

	for depth := 0; ; depth++ {
		key := currentDriveID + "\x00" + currentItemID
		if seen[key] || depth > maxParentChainDepth {
			s.logger.Error("cycle detected in parent chain",
				"drive_id", currentDriveID, "item_id", currentItemID)

			return nil, fmt.Errorf("parent chain of %s/%s: %w", driveID, itemID, ErrStateInconsistent)
		}

		seen[key] = true

		item, err := s.GetItem(ctx, currentDriveID, currentItemID)
		if err != nil || item == nil {
			// Parent not found — signal orphan with nil.
			s.logger.Debug("parent not found during path walk",
				"drive_id", currentDriveID, "item_id", currentItemID)

			return nil, nil
		}

		// Root items terminate the walk; a relocated shared-folder root
		// continues the walk under its local graft point instead.
		if item.ItemType == ItemTypeRoot {
			if item.RelocDriveID == "" {
				break
			}

			currentDriveID = item.RelocDriveID
			currentItemID = item.RelocParentID

			continue
		}

		segments = append(segments, item.Name)

		if item.ParentID == "" {
			break
		}

		if item.ParentDriveID != "" {
			currentDriveID = item.ParentDriveID
		}

		currentItemID = item.ParentID
	}

	return segments, nil
}

// reverseStrings reverses a string slice in-place.
func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// CascadePathUpdate updates all item paths in a drive matching an old prefix
// to use a new prefix. Used after a folder rename/move to update all
// descendant paths atomically.
func (s *SQLiteStore) CascadePathUpdate(ctx context.Context, driveID, oldPrefix, newPrefix string) error {
	s.logger.Info("cascading path update",
		"drive_id", driveID, "old_prefix", oldPrefix, "new_prefix", newPrefix)

	// SUBSTR is 1-based in SQLite, so add 1 to the old prefix length.
	query := `UPDATE items SET path = ? || SUBSTR(path, ?), updated_at = ?
		WHERE drive_id = ? AND path LIKE ? AND is_deleted = 0`

	oldLen := len(oldPrefix) + 1
	pattern := oldPrefix + "/%"

	result, err := s.db.ExecContext(ctx, query, newPrefix, oldLen, NowNano(), driveID, pattern)
	if err != nil {
		return fmt.Errorf("cascade path update %q -> %q: %w", oldPrefix, newPrefix, err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		s.logger.Warn("could not read rows affected", "error", rowsErr)
	}

	s.logger.Info("cascade path update complete",
		"old_prefix", oldPrefix, "new_prefix", newPrefix, "affected", affected)

	return nil
}

// tombstoneRetentionHoursPerDay converts days to hours for duration calculation.
const tombstoneRetentionHoursPerDay = 24

// CleanupTombstones removes deleted items older than the retention period.
// Returns the number of rows deleted.
func (s *SQLiteStore) CleanupTombstones(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().Add(
		-time.Duration(retentionDays) * tombstoneRetentionHoursPerDay * time.Hour,
	).UnixNano()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE is_deleted = 1 AND deleted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup tombstones: %w", err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		s.logger.Warn("could not read rows affected", "error", rowsErr)
	}

	s.logger.Info("tombstone cleanup complete", "deleted", affected)

	return affected, nil
}

// --- Delta-link methods ---

// GetDeltaLink retrieves the stored delta link for a (drive, root) scope.
// Returns empty string if no link exists (initial sync).
func (s *SQLiteStore) GetDeltaLink(ctx context.Context, driveID, rootID string) (string, error) {
	var token string

	err := s.deltaStmts.getLink.QueryRowContext(ctx, driveID, rootID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("get delta link %s/%s: %w", driveID, rootID, err)
	}

	return token, nil
}

// SetDeltaLink persists a delta link for a (drive, root) scope. Called only
// at the end of a successful page run.
func (s *SQLiteStore) SetDeltaLink(ctx context.Context, driveID, rootID, token string) error {
	s.logger.Debug("saving delta link", "drive_id", driveID, "root_id", rootID)

	_, err := s.deltaStmts.saveLink.ExecContext(ctx, driveID, rootID, token, NowNano())
	if err != nil {
		return fmt.Errorf("save delta link %s/%s: %w", driveID, rootID, err)
	}

	return nil
}

// ClearDeltaLink removes the delta link for a scope (e.g., on HTTP 410).
func (s *SQLiteStore) ClearDeltaLink(ctx context.Context, driveID, rootID string) error {
	s.logger.Debug("clearing delta link", "drive_id", driveID, "root_id", rootID)

	_, err := s.deltaStmts.deleteLink.ExecContext(ctx, driveID, rootID)
	if err != nil {
		return fmt.Errorf("clear delta link %s/%s: %w", driveID, rootID, err)
	}

	return nil
}

// --- Maintenance methods ---

// Checkpoint flushes the WAL into the main database without blocking
// concurrent readers (PASSIVE mode).
func (s *SQLiteStore) Checkpoint() error {
	s.logger.Debug("running WAL checkpoint")

	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(PASSIVE)")
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing sync state database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.itemStmts.get, s.itemStmts.upsert, s.itemStmts.markDeleted,
		s.itemStmts.deleteByKey, s.itemStmts.listChildren, s.itemStmts.getByPath,
		s.itemStmts.listDrive, s.itemStmts.listAllActive,
		s.itemStmts.getRemoteTie, s.itemStmts.listUnsynced,
		s.deltaStmts.getLink, s.deltaStmts.saveLink, s.deltaStmts.deleteLink,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
