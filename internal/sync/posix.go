package sync

import (
	"context"
	"fmt"
	"strings"
)

// PosixCollisionError reports that candidateName cannot be created under a
// parent because an existing sibling has the same name under a
// case-insensitive comparison but differs in exact case. OneDrive's remote
// namespace is case-insensitive; POSIX filesystems are case-sensitive, so a
// remote rename from "Report.txt" to "report.txt" (or a local create that
// collides the same way) can silently shadow a sibling.
type PosixCollisionError struct {
	ParentPath    string
	CandidateName string
	ExistingName  string
}

func (e *PosixCollisionError) Error() string {
	return fmt.Sprintf("posix: %q would collide case-insensitively with existing %q under %q",
		e.CandidateName, e.ExistingName, e.ParentPath)
}

// PosixCollisionChecker detects case-only name collisions before a folder
// create or new-file upload/download is executed locally.
type PosixCollisionChecker struct {
	store Store
}

// NewPosixCollisionChecker creates a checker backed by store.
func NewPosixCollisionChecker(store Store) *PosixCollisionChecker {
	return &PosixCollisionChecker{store: store}
}

// Check lists the known children of (driveID, parentID) and returns a
// *PosixCollisionError if candidateName collides case-insensitively with any
// sibling other than itself (an upsert of an already-tracked item is not a
// collision against its own prior name).
func (c *PosixCollisionChecker) Check(
	ctx context.Context, driveID, parentID, parentPath, candidateName, selfItemID string,
) error {
	siblings, err := c.store.ListChildren(ctx, driveID, parentID)
	if err != nil {
		return fmt.Errorf("posix: listing children of %s/%s: %w", driveID, parentID, err)
	}

	lowerCandidate := strings.ToLower(candidateName)

	for _, sibling := range siblings {
		if sibling.ItemID == selfItemID {
			continue
		}

		if sibling.Name == candidateName {
			continue
		}

		if strings.ToLower(sibling.Name) == lowerCandidate {
			return &PosixCollisionError{
				ParentPath:    parentPath,
				CandidateName: candidateName,
				ExistingName:  sibling.Name,
			}
		}
	}

	return nil
}
