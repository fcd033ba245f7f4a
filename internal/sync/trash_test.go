package sync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTrashFunc_FreeDesktopLayout(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)

	dir := t.TempDir()
	victim := writeTestFile(t, dir, "doomed.txt", []byte("contents"))

	require.NoError(t, defaultTrashFunc(victim))

	// Original gone.
	_, err := os.Lstat(victim)
	assert.True(t, os.IsNotExist(err))

	// files/ holds the payload, info/ the .trashinfo metadata.
	trashed, err := os.ReadDir(filepath.Join(dataHome, "Trash", "files"))
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.Equal(t, "doomed.txt", trashed[0].Name())

	infoBytes, err := os.ReadFile(filepath.Join(dataHome, "Trash", "info", "doomed.txt.trashinfo"))
	require.NoError(t, err)

	info := string(infoBytes)
	assert.Contains(t, info, "[Trash Info]")
	assert.Contains(t, info, "Path=")
	assert.Contains(t, info, "DeletionDate=")
}

func TestDefaultTrashFunc_NameCollision(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)

	dir := t.TempDir()

	first := writeTestFile(t, dir, "dup.txt", []byte("one"))
	require.NoError(t, defaultTrashFunc(first))

	second := writeTestFile(t, dir, "dup.txt", []byte("two"))
	require.NoError(t, defaultTrashFunc(second))

	trashed, err := os.ReadDir(filepath.Join(dataHome, "Trash", "files"))
	require.NoError(t, err)
	require.Len(t, trashed, 2)

	names := []string{trashed[0].Name(), trashed[1].Name()}
	assert.Contains(t, names, "dup.txt")

	// The collision sibling got a numbered name, extension preserved.
	var numbered string

	for _, n := range names {
		if n != "dup.txt" {
			numbered = n
		}
	}

	assert.True(t, strings.HasPrefix(numbered, "dup."))
	assert.True(t, strings.HasSuffix(numbered, ".txt"))
}
