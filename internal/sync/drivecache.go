package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

// driveQuotaTTL bounds how long a cached quota entry is trusted before the
// next upload forces a refresh, independent of the decrement-on-upload path.
const driveQuotaTTL = 15 * time.Minute

// QuotaClient fetches a drive's current quota facet. Satisfied by *graph.Client.
type QuotaClient interface {
	Drive(ctx context.Context, driveID driveid.ID) (*graph.Drive, error)
}

// driveQuota is the cached, ephemeral quota state for one drive.
type driveQuota struct {
	restricted bool // true once QuotaState is "exceeded" or remaining has hit zero
	available  int64
	remaining  int64
	fetchedAt  time.Time
}

// DriveCache holds per-drive quota state in memory for the lifetime of a
// sync process. It is refreshed from the Graph quota endpoint and
// optimistically decremented locally after each successful upload so the
// transfer pool can stop admitting new uploads without a round trip per file.
type DriveCache struct {
	client QuotaClient
	logger *slog.Logger

	mu     sync.Mutex
	quotas map[string]*driveQuota
}

// NewDriveCache creates a DriveCache backed by client for quota refreshes.
func NewDriveCache(client QuotaClient, logger *slog.Logger) *DriveCache {
	return &DriveCache{
		client: client,
		logger: logger,
		quotas: make(map[string]*driveQuota),
	}
}

// Remaining returns the last-known remaining quota in bytes for driveID,
// fetching it from the API if the cache has no entry or the entry is stale.
func (c *DriveCache) Remaining(ctx context.Context, driveID driveid.ID) (int64, error) {
	q, err := c.ensure(ctx, driveID)
	if err != nil {
		return 0, err
	}

	return q.remaining, nil
}

// Restricted reports whether driveID is known to have exhausted its quota.
// Callers should treat a restricted drive as upload-blocked until the next
// successful refresh clears the flag.
func (c *DriveCache) Restricted(ctx context.Context, driveID driveid.ID) (bool, error) {
	q, err := c.ensure(ctx, driveID)
	if err != nil {
		return false, err
	}

	return q.restricted, nil
}

// HasHeadroom reports whether driveID currently has at least size bytes of
// remaining quota. Used by the transfer pool as a pre-upload admission check.
func (c *DriveCache) HasHeadroom(ctx context.Context, driveID driveid.ID, size int64) (bool, error) {
	q, err := c.ensure(ctx, driveID)
	if err != nil {
		return false, err
	}

	if q.restricted {
		return false, nil
	}

	return q.remaining >= size, nil
}

// DecrementUpload lowers the cached remaining quota by size immediately
// after a successful upload completes, without waiting for the next
// periodic refresh. Marks the drive restricted once remaining reaches zero.
func (c *DriveCache) DecrementUpload(driveID driveid.ID, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.quotas[driveID.String()]
	if !ok {
		// No cached entry yet — nothing to decrement against; the next
		// Remaining/HasHeadroom call will populate it from a fresh fetch.
		return
	}

	q.remaining -= size
	if q.remaining < 0 {
		q.remaining = 0
	}

	if q.remaining == 0 {
		q.restricted = true
	}

	c.logger.Debug("drive cache decremented",
		slog.String("drive_id", driveID.String()),
		slog.Int64("size", size),
		slog.Int64("remaining", q.remaining),
	)
}

// ensure returns the cached quota for driveID, refreshing it when absent or
// past driveQuotaTTL.
func (c *DriveCache) ensure(ctx context.Context, driveID driveid.ID) (*driveQuota, error) {
	c.mu.Lock()
	q, ok := c.quotas[driveID.String()]
	c.mu.Unlock()

	if ok && time.Since(q.fetchedAt) < driveQuotaTTL {
		return q, nil
	}

	return c.refresh(ctx, driveID)
}

// refresh fetches the current quota facet for driveID and replaces the
// cached entry.
func (c *DriveCache) refresh(ctx context.Context, driveID driveid.ID) (*driveQuota, error) {
	drive, err := c.client.Drive(ctx, driveID)
	if err != nil {
		return nil, fmt.Errorf("sync: refreshing drive quota %s: %w", driveID, err)
	}

	q := &driveQuota{
		restricted: drive.QuotaState == "exceeded" || drive.QuotaRemaining <= 0,
		available:  drive.QuotaTotal,
		remaining:  drive.QuotaRemaining,
		fetchedAt:  time.Now(),
	}

	c.mu.Lock()
	c.quotas[driveID.String()] = q
	c.mu.Unlock()

	c.logger.Debug("drive cache refreshed",
		slog.String("drive_id", driveID.String()),
		slog.Int64("remaining", q.remaining),
		slog.Bool("restricted", q.restricted),
	)

	return q, nil
}
