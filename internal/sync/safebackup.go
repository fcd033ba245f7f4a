package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxBackupSuffix bounds the numeric suffix tried during backup-path
// collision avoidance. Exceeding 1000 collisions is implausible; if it
// happens the timestamp-only path is returned as a best-effort fallback.
const maxBackupSuffix = 1000

// backupTimestampLayout is the filesystem-safe timestamp embedded in
// safe-backup names.
const backupTimestampLayout = "20060102-150405"

// SafeBackup renames a local file to a timestamped sibling before it would
// be overwritten or shadowed, preserving the user's copy. Returns the backup
// path. When bypass is set (bypass_data_preservation), the file is left in
// place and an empty path is returned — the caller proceeds to overwrite.
func SafeBackup(absPath string, bypass bool, logger *slog.Logger) (string, error) {
	if bypass {
		logger.Warn("data preservation bypassed, local file will be overwritten",
			slog.String("path", absPath))

		return "", nil
	}

	backupPath := backupName(absPath, time.Now())

	if err := os.Rename(absPath, backupPath); err != nil {
		return "", fmt.Errorf("safe-backup rename %s: %w", absPath, err)
	}

	logger.Info("local file preserved as backup",
		slog.String("path", absPath),
		slog.String("backup", backupPath),
	)

	return backupPath, nil
}

// backupName derives a non-existing sibling path of the form
// "name.local-20240101-120000.ext", appending ".N" before the extension when
// the timestamped name is already taken.
func backupName(absPath string, now time.Time) string {
	dir := filepath.Dir(absPath)
	base := filepath.Base(absPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	stamp := now.Format(backupTimestampLayout)
	candidate := filepath.Join(dir, fmt.Sprintf("%s.local-%s%s", stem, stamp, ext))

	if !pathExists(candidate) {
		return candidate
	}

	for i := 1; i < maxBackupSuffix; i++ {
		numbered := filepath.Join(dir, fmt.Sprintf("%s.local-%s.%d%s", stem, stamp, i, ext))
		if !pathExists(numbered) {
			return numbered
		}
	}

	return candidate
}

// pathExists reports whether a path exists (any type).
func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
