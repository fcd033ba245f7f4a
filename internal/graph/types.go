package graph

import (
	"log/slog"
	"time"

	"github.com/latticefs/odsync/internal/driveid"
)

// ChildCountUnknown indicates the child count was not present in the API response.
const ChildCountUnknown = -1

// User represents the signed-in account, normalized from the Graph /me response.
type User struct {
	ID          string
	DisplayName string
	Email       string
}

// Drive represents a OneDrive drive (personal, business, or SharePoint document library).
type Drive struct {
	ID         driveid.ID
	Name       string
	DriveType  string
	OwnerName  string
	OwnerEmail string
	QuotaUsed  int64
	QuotaTotal int64
	// QuotaRemaining and QuotaState mirror the quota facet's "remaining" and
	// "state" fields (normal/nearing/critical/exceeded), used by the drive
	// cache to decide whether uploads should be throttled or blocked.
	QuotaRemaining int64
	QuotaState     string
}

// Item represents a OneDrive drive item (file, folder, or package).
// Fields are normalized from the Graph API response — callers never see raw API data.
type Item struct {
	ID            string
	Name          string
	DriveID       string // normalized: lowercase (Graph API casing is inconsistent)
	ParentID      string
	ParentDriveID string // drive containing parent (for cross-drive references)
	Size          int64
	ETag          string
	CTag          string
	IsFolder      bool
	IsRoot        bool // true for a drive's root item
	IsDeleted     bool
	IsFile        bool   // file facet present
	IsPackage     bool   // package facet present — OneNote objects, sync skips these
	PackageType   string // package facet type, e.g. "oneNote"
	IsMalware    bool // malware facet present — Graph refuses downloads of these
	MimeType     string
	QuickXorHash string // base64-encoded
	SHA1Hash     string // hex (Personal accounts only)
	SHA256Hash   string // hex (Business accounts, sometimes)
	CreatedAt    time.Time
	ModifiedAt   time.Time
	ChildCount   int         // ChildCountUnknown if not present
	DownloadURL  DownloadURL // pre-authenticated, ephemeral; redacted when logged

	// ParentPath is the raw parentReference.path ("/drives/<id>/root:/a/b"),
	// kept so the sync layer can compute a virtual path for items whose
	// parent is not yet known locally.
	ParentPath string

	// Authorship, recorded as xattrs on download when configured.
	CreatedBy      string
	LastModifiedBy string

	// Remote-item facet: present when this entry is a pointer into another
	// drive (a shared folder tie, or a OneDrive "Shared with me" mount).
	IsRemote       bool
	RemoteDriveID  string
	RemoteID       string
	RemoteParentID string
}

// DownloadURL is a pre-authenticated content URL. It embeds an auth token,
// so logging it verbatim would leak credentials; the slog.LogValuer
// implementation redacts it.
type DownloadURL string

// LogValue implements slog.LogValuer, replacing the URL with a marker.
func (DownloadURL) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// DeltaPage is one normalized page of a drive's change feed.
type DeltaPage struct {
	Items     []Item
	NextLink  string // opaque continuation for the next page, empty on the final page
	DeltaLink string // checkpoint for the next incremental run, set only on the final page
}

// UploadSession is a server-side resumable upload context. The UploadURL is
// pre-authenticated and must never be logged.
type UploadSession struct {
	UploadURL          string
	ExpirationTime     time.Time
	NextExpectedRanges []string
}

// UploadSessionStatus reports which byte ranges an upload session still
// expects; used to resume after interruption.
type UploadSessionStatus struct {
	UploadURL          string
	ExpirationTime     time.Time
	NextExpectedRanges []string
}

// Site is a SharePoint site, normalized from the sites search response.
type Site struct {
	ID          string
	DisplayName string
	Name        string
	WebURL      string
}

// Organization is the signed-in account's organization; empty for personal
// accounts.
type Organization struct {
	DisplayName string
}

// SharedItem is an entry from the shared-with-me listing: the remote-item
// pointer plus the sharing display metadata.
type SharedItem struct {
	Item

	SharedByName  string
	SharedByEmail string
}

// ShareLink is a sharing link created for an item.
type ShareLink struct {
	URL   string
	Type  string // "view" or "edit"
	Scope string // "anonymous" or "organization"
}
