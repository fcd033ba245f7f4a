package sync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	gosync "sync"

	"golang.org/x/sync/errgroup"
)

// defaultTransferWorkers is the pool size when the configuration does not
// set a thread count.
const defaultTransferWorkers = 8

// TransferClients bundles the per-worker remote API handles. A handle is
// never shared across workers: each borrows a fresh bundle from the factory
// for the duration of one file.
type TransferClients struct {
	Items     ItemClient
	Downloads DownloadClient
	Uploads   UploadClient
}

// ClientFactory mints a TransferClients bundle for one unit of work.
type ClientFactory func() TransferClients

// TransferPool dispatches queued downloads and uploads through a bounded
// worker pool. Failures are collected by the coordinator; workers never
// mutate shared queues directly.
type TransferPool struct {
	workers   int
	order     TransferOrder
	factory   ClientFactory
	limiter   *BandwidthLimiter
	cancelled func() bool
	logger    *slog.Logger
}

// NewTransferPool creates a pool of the given size (0 means the default).
func NewTransferPool(
	workers int, order TransferOrder, factory ClientFactory,
	limiter *BandwidthLimiter, logger *slog.Logger,
) *TransferPool {
	if workers <= 0 {
		workers = defaultTransferWorkers
	}

	return &TransferPool{
		workers:   workers,
		order:     order,
		factory:   factory,
		limiter:   limiter,
		cancelled: func() bool { return false },
		logger:    logger,
	}
}

// SetCancelCheck installs the exit-handler poll, checked between files.
func (p *TransferPool) SetCancelCheck(fn func() bool) {
	if fn != nil {
		p.cancelled = fn
	}
}

// RunDownloads executes the queued downloads in parallel, in the configured
// order. Per-file failures are returned; a failure never aborts the batch.
func (p *TransferPool) RunDownloads(ctx context.Context, dl *Downloader, tasks []DownloadTask) []PathError {
	sortDownloads(tasks, p.order)

	var (
		mu       gosync.Mutex
		failures []PathError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i := range tasks {
		task := &tasks[i]

		if p.cancelled() {
			break
		}

		g.Go(func() error {
			clients := p.factory()

			if err := dl.Download(gctx, clients, task); err != nil {
				p.logger.Error("download failed",
					slog.String("path", task.Item.Path),
					slog.String("error", err.Error()),
				)

				mu.Lock()
				failures = append(failures, PathError{Path: task.Item.Path, Err: err})
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // workers report via failures, never abort the group

	return failures
}

// RunUploads executes the queued uploads in parallel, in the configured
// order. Returns per-file failures and the POSIX-collision paths separately
// (those require a user rename, not a retry).
func (p *TransferPool) RunUploads(ctx context.Context, ul *Uploader, tasks []UploadTask) ([]PathError, []string) {
	sortUploads(tasks, p.order)

	var (
		mu         gosync.Mutex
		failures   []PathError
		collisions []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i := range tasks {
		task := &tasks[i]

		if p.cancelled() {
			break
		}

		g.Go(func() error {
			clients := p.factory()

			err := ul.Upload(gctx, clients, task)
			if err == nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()

			var posixErr *PosixCollisionError
			if errors.As(err, &posixErr) {
				p.logger.Error("upload blocked by case collision",
					slog.String("path", task.RelPath),
					slog.String("existing", posixErr.ExistingName),
				)

				collisions = append(collisions, task.RelPath)

				return nil
			}

			p.logger.Error("upload failed",
				slog.String("path", task.RelPath),
				slog.String("error", err.Error()),
			)

			failures = append(failures, PathError{Path: task.RelPath, Err: err})

			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // workers report via failures, never abort the group

	return failures, collisions
}

// sortDownloads applies the configured transfer order in place.
func sortDownloads(tasks []DownloadTask, order TransferOrder) {
	switch order {
	case OrderNameAsc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Item.Path < tasks[j].Item.Path })
	case OrderNameDesc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Item.Path > tasks[j].Item.Path })
	case OrderSizeAsc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Remote.Size < tasks[j].Remote.Size })
	case OrderSizeDesc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Remote.Size > tasks[j].Remote.Size })
	case OrderDefault:
		// Feed order.
	}
}

// sortUploads applies the configured transfer order in place.
func sortUploads(tasks []UploadTask, order TransferOrder) {
	switch order {
	case OrderNameAsc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].RelPath < tasks[j].RelPath })
	case OrderNameDesc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].RelPath > tasks[j].RelPath })
	case OrderSizeAsc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Size < tasks[j].Size })
	case OrderSizeDesc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Size > tasks[j].Size })
	case OrderDefault:
		// Scanner order (filesystem order).
	}
}
