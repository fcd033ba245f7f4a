// Package sync implements the bidirectional sync engine for odsync:
// change-feed consumption, reconciliation against the state database,
// local scanning, filtering, parallel transfers with resumable sessions,
// and deletion with safety guards.
package sync

import (
	"context"
	"io"
	"time"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

// ItemType represents the kind of drive item.
type ItemType string

// Item types as stored in the database item_type column. A "remote" item is
// a pointer into another drive (a mounted shared folder); "unknown" is kept
// for rows whose facet the API omitted, so they round-trip without guessing.
const (
	ItemTypeFile    ItemType = "file"
	ItemTypeFolder  ItemType = "folder"
	ItemTypeRoot    ItemType = "root"
	ItemTypeRemote  ItemType = "remote"
	ItemTypeUnknown ItemType = "unknown"
)

// Sync-status marker values for the items.sync_status column. The simulated
// delta pass downgrades a subtree to "N", re-marks everything it enumerates
// back to "Y", and treats leftover "N" rows as deleted online.
const (
	SyncStatusSeen   = "Y"
	SyncStatusUnseen = "N"
)

// Item represents a tracked file or folder in the sync state database.
// It stores three views of each item: remote (from the API), local (from the
// filesystem scanner), and synced base (snapshot at last successful sync).
type Item struct {
	// Identity
	DriveID       string
	ItemID        string
	ParentDriveID string
	ParentID      string
	Name          string
	ItemType      ItemType
	Path          string // materialized local path (relative to sync root)

	// Remote state (from the change feed)
	Size         *int64 // nullable: deleted Personal items lack size
	ETag         string
	CTag         string
	QuickXorHash string // base64-encoded QuickXorHash (files only)
	SHA256Hash   string // hex SHA-256 (Business-only, opportunistic)
	RemoteMtime  *int64 // server lastModifiedDateTime as Unix nanoseconds

	// Local state (from filesystem scanner)
	LocalSize  *int64
	LocalMtime *int64
	LocalHash  string // last-computed local QuickXorHash (base64)

	// Sync base state (snapshot at last successful sync)
	SyncedSize   *int64
	SyncedMtime  *int64
	SyncedHash   string
	LastSyncedAt *int64

	// Shared/remote item references — populated for root-tie and folder-tie
	// records materialized by the shared-folder handler.
	RemoteDriveID  string // target drive for shared/remote items
	RemoteID       string // target item ID for shared/remote items
	RemoteName     string // true remote name when Name has been overridden
	RemoteParentID string // parent ID within the remote drive
	RemoteType     string // kind of tie: "root", "dir", "file"

	// Relocation pointers — set on a business root-tie when the shared folder
	// is grafted under a local sub-directory rather than the account root.
	RelocDriveID  string
	RelocParentID string

	// SyncStatus is SyncStatusSeen/SyncStatusUnseen; see the constants above.
	SyncStatus string

	// Tombstone fields
	IsDeleted bool
	DeletedAt *int64

	// Row metadata
	CreatedAt int64
	UpdatedAt int64
}

// IsDir reports whether the item occupies a directory locally (folders,
// roots, and remote pointers all materialize as directories).
func (it *Item) IsDir() bool {
	return it.ItemType == ItemTypeFolder || it.ItemType == ItemTypeRoot || it.ItemType == ItemTypeRemote
}

// BestRemoteHash returns the QuickXorHash when present, else the SHA-256.
func (it *Item) BestRemoteHash() string {
	if it.QuickXorHash != "" {
		return it.QuickXorHash
	}

	return it.SHA256Hash
}

// AccountType distinguishes the remote namespace variants; several behaviors
// (path-length limits, quota visibility, upload validation policy, ETag
// preconditions) branch on it.
type AccountType string

// Account types, matching the Graph driveType facet.
const (
	AccountPersonal   AccountType = "personal"
	AccountBusiness   AccountType = "business"
	AccountSharePoint AccountType = "documentLibrary"
)

// Business reports whether the account is business or SharePoint backed
// (both share the SharePoint storage layer and its metadata enrichment).
func (a AccountType) Business() bool {
	return a == AccountBusiness || a == AccountSharePoint
}

// Encoded path-length ceilings enforced by the service.
const (
	maxPathLengthPersonal = 430
	maxPathLengthBusiness = 400
)

// MaxPathLength returns the encoded path-length ceiling for the account.
func (a AccountType) MaxPathLength() int {
	if a.Business() {
		return maxPathLengthBusiness
	}

	return maxPathLengthPersonal
}

// SyncMode controls which sides of the sync are active.
type SyncMode int

// Sync direction modes.
const (
	SyncBidirectional SyncMode = iota
	SyncDownloadOnly
	SyncUploadOnly
)

// String returns the mode name for logging.
func (m SyncMode) String() string {
	switch m {
	case SyncDownloadOnly:
		return "download-only"
	case SyncUploadOnly:
		return "upload-only"
	default:
		return "bidirectional"
	}
}

// TransferOrder controls the dispatch order of queued transfers.
type TransferOrder string

// Transfer orderings.
const (
	OrderDefault  TransferOrder = "default"
	OrderNameAsc  TransferOrder = "name_asc"
	OrderNameDesc TransferOrder = "name_dsc"
	OrderSizeAsc  TransferOrder = "size_asc"
	OrderSizeDesc TransferOrder = "size_dsc"
)

// ParseTransferOrder maps a config string to a TransferOrder,
// falling back to OrderDefault for unrecognized values.
func ParseTransferOrder(s string) TransferOrder {
	switch TransferOrder(s) {
	case OrderNameAsc, OrderNameDesc, OrderSizeAsc, OrderSizeDesc:
		return TransferOrder(s)
	default:
		return OrderDefault
	}
}

// FilterResult indicates whether an item should be synced and why.
type FilterResult struct {
	Included bool
	Reason   string // empty when included, explanation when excluded
}

// DownloadTask is one queued download: the state row plus the remote facets
// the worker needs (malware marker, size, hashes, mtime) captured at
// reconcile time.
type DownloadTask struct {
	Item   *Item
	Remote graph.Item
}

// UploadTask is one queued upload discovered by the local scanner.
type UploadTask struct {
	RelPath  string // relative to sync root
	AbsPath  string
	Size     int64
	Mtime    time.Time
	Replace  bool   // true when the item already exists online
	ItemID   string // set when Replace
	ETag     string // last-known ETag for precondition (may be empty)
	ParentID string // known parent item ID; empty if the parent was created this cycle
}

// PathError records a per-file failure for end-of-run reporting and
// state scrubbing.
type PathError struct {
	Path string
	Err  error
}

// RunFailures accumulates per-file failures across one sync cycle. Owned by
// the engine coordinator; workers report outcomes, they never mutate this.
type RunFailures struct {
	Downloads       []PathError
	Uploads         []PathError
	PosixViolations []string
}

// Any reports whether the run recorded at least one failure.
func (f *RunFailures) Any() bool {
	return len(f.Downloads) > 0 || len(f.Uploads) > 0 || len(f.PosixViolations) > 0
}

// --- Consumer-defined interfaces for the graph client ---
// These decouple the sync package from graph's concrete client,
// following the "accept interfaces, return structs" Go convention.
// All are satisfied by *graph.Client.

// DeltaFetcher retrieves one page of remote changes.
type DeltaFetcher interface {
	// Delta returns one page of delta results. Pass an empty token for
	// an initial full enumeration.
	Delta(ctx context.Context, driveID, token string) (*graph.DeltaPage, error)
}

// ChildEnumerator lists the children of a remote folder. Used by the
// simulated-delta feed on deployments without a native change feed.
type ChildEnumerator interface {
	ListChildren(ctx context.Context, driveID driveid.ID, parentID string) ([]graph.Item, error)
}

// ItemClient performs CRUD operations on drive items.
type ItemClient interface {
	GetItem(ctx context.Context, driveID driveid.ID, itemID string) (*graph.Item, error)
	ListChildren(ctx context.Context, driveID driveid.ID, parentID string) ([]graph.Item, error)
	CreateFolder(ctx context.Context, driveID driveid.ID, parentID, name string) (*graph.Item, error)
	MoveItem(ctx context.Context, driveID driveid.ID, itemID, newParentID, newName string) (*graph.Item, error)
	UpdateFileSystemInfo(ctx context.Context, driveID driveid.ID, itemID string, mtime time.Time) (*graph.Item, error)
	DeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error
	PermanentDelete(ctx context.Context, driveID driveid.ID, itemID string) error
}

// DownloadClient fetches file content, optionally resuming at an offset.
type DownloadClient interface {
	DownloadRange(ctx context.Context, driveID driveid.ID, itemID string, w io.Writer, offset int64) (int64, error)
}

// UploadClient pushes file content, simple or session-based.
type UploadClient interface {
	SimpleUpload(ctx context.Context, driveID driveid.ID, parentID, name string, r io.Reader, size int64) (*graph.Item, error)
	SimpleUploadReplace(ctx context.Context, driveID driveid.ID, itemID string, r io.Reader, size int64) (*graph.Item, error)
	CreateUploadSession(ctx context.Context, driveID driveid.ID, parentID, name string, size int64, mtime time.Time) (*graph.UploadSession, error)
	UploadChunk(ctx context.Context, session *graph.UploadSession, chunk io.ReaderAt, offset, length, total int64) (*graph.Item, error)
	QueryUploadSession(ctx context.Context, session *graph.UploadSession) (*graph.UploadSessionStatus, error)
	CancelUploadSession(ctx context.Context, session *graph.UploadSession) error
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively.
// Conversion happens at system boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds.
// Returns 0 for the zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// secondsPerNano is the divisor to truncate nanoseconds to seconds precision.
const secondsPerNano = int64(time.Second)

// TruncateToSeconds truncates a nanosecond timestamp to whole-second precision.
// OneDrive does not store fractional seconds, so comparison must use truncated
// values to avoid false positives from filesystem timestamp precision.
func TruncateToSeconds(ns int64) int64 {
	return (ns / secondsPerNano) * secondsPerNano
}

// Int64Ptr returns a pointer to the given int64 value.
// Used for nullable database columns.
func Int64Ptr(v int64) *int64 {
	return &v
}
