//go:build unix

package sync

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// diskFree returns the bytes available to an unprivileged caller on the
// volume holding path.
func diskFree(path string) (int64, error) {
	var st unix.Statfs_t

	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	return int64(st.Bavail) * int64(st.Bsize), nil //nolint:unconvert // Bsize is int32 on darwin
}
