package workdir

import (
	"os"
	"path/filepath"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/media-fetch/internal/model"
)

func TestWorkDir_Paths(t *testing.T) {
	assert := assert_.New(t)
	root := filepath.Join(t.TempDir(), "work")
	w, err := New(root)
	require_.NoError(t, err)

	id := model.TaskID("abc")
	assert.Equal(filepath.Join(root, "abc", "00007.ts"), w.SegmentPath(id, 7))
	assert.Equal(filepath.Join(root, "abc", "00123.part"), w.SegmentPartPath(id, 123))
	assert.Equal(filepath.Join(root, "abc", "download.part"), w.FilePartPath(id))
	assert.Equal(filepath.Join(root, "abc", "merged.ts"), w.ContainerPath(id))

	assert.NoError(w.Prepare(id))
	assert.DirExists(w.TaskDir(id))
	assert.NoError(os.WriteFile(w.SegmentPath(id, 0), []byte("x"), 0644))
	assert.NoError(w.Remove(id))
	assert.NoDirExists(w.TaskDir(id))
}

func TestMoveFile(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "a.part")
	dst := filepath.Join(dir, "out", "a.bin")
	require.NoError(os.WriteFile(src, []byte("new"), 0644))
	require.NoError(os.MkdirAll(filepath.Dir(dst), 0755))
	require.NoError(os.WriteFile(dst, []byte("old contents"), 0644))

	require.NoError(MoveFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(err)
	assert.Equal("new", string(data))
	assert.NoFileExists(src)

	// Destination occupied by a non-empty directory can't be replaced
	require.NoError(os.WriteFile(src, []byte("again"), 0644))
	blocked := filepath.Join(dir, "blocked")
	require.NoError(os.MkdirAll(filepath.Join(blocked, "child"), 0755))
	assert.Error(MoveFile(src, blocked))
	assert.FileExists(src)

	assert.Error(MoveFile(filepath.Join(dir, "missing"), filepath.Join(dir, "x")))
}
