//go:build linux || darwin

package sync

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// Extended-attribute names recording remote authorship on downloaded files.
const (
	xattrCreatedBy      = "user.onedrive.createdBy"
	xattrLastModifiedBy = "user.onedrive.lastModifiedBy"
)

// writeAuthorshipXattrs records the remote createdBy/lastModifiedBy users as
// extended attributes on a downloaded file. Best-effort: filesystems without
// xattr support just log a debug line.
func writeAuthorshipXattrs(path, createdBy, lastModifiedBy string, logger *slog.Logger) {
	set := func(name, value string) {
		if value == "" {
			return
		}

		if err := unix.Setxattr(path, name, []byte(value), 0); err != nil {
			logger.Debug("could not write xattr",
				slog.String("path", path),
				slog.String("attr", name),
				slog.String("error", err.Error()),
			)
		}
	}

	set(xattrCreatedBy, createdBy)
	set(xattrLastModifiedBy, lastModifiedBy)
}
