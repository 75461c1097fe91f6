package merge

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"
)

func writeSegment(t *testing.T, dir string, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require_.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func TestMerge_Order(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)
	dir := t.TempDir()

	// Write segments in shuffled order, as if downloads finished out of order
	contents := make([][]byte, 12)
	order := rand.Perm(len(contents))
	paths := make([]string, len(contents))
	for _, i := range order {
		contents[i] = bytes.Repeat([]byte{byte('a' + i)}, 100+i)
		paths[i] = writeSegment(t, dir, fmt.Sprintf("%05d.ts", i), contents[i])
	}
	output := filepath.Join(dir, "out", "nested", "merged.ts")

	require.NoError(Merge(context.Background(), paths, output))
	data, err := os.ReadFile(output)
	require.NoError(err)
	assert.Equal(bytes.Join(contents, nil), data)

	// No temporary files left behind
	entries, err := os.ReadDir(filepath.Dir(output))
	require.NoError(err)
	assert.Len(entries, 1)
}

func TestMerge_ReplacesExisting(t *testing.T) {
	require := require_.New(t)
	dir := t.TempDir()

	output := writeSegment(t, dir, "merged.ts", []byte("stale output that is longer than the new one"))
	a := writeSegment(t, dir, "a.ts", []byte("fresh"))
	require.NoError(Merge(context.Background(), []string{a}, output))
	data, err := os.ReadFile(output)
	require.NoError(err)
	require.Equal("fresh", string(data))
}

func TestMerge_EmptySegment(t *testing.T) {
	assert := assert_.New(t)
	dir := t.TempDir()

	a := writeSegment(t, dir, "a.ts", bytes.Repeat([]byte("x"), 10))
	b := writeSegment(t, dir, "b.ts", nil)
	output := filepath.Join(dir, "merged.ts")

	err := Merge(context.Background(), []string{a, b}, output)
	var empty *EmptySegmentError
	if assert.ErrorAs(err, &empty) {
		assert.Equal(1, empty.Index)
		assert.Contains(err.Error(), "segment 1")
	}
	_, statErr := os.Stat(output)
	assert.ErrorIs(statErr, os.ErrNotExist)
}

func TestMerge_MissingSegment(t *testing.T) {
	assert := assert_.New(t)
	dir := t.TempDir()

	a := writeSegment(t, dir, "a.ts", []byte("aaaa"))
	output := filepath.Join(dir, "merged.ts")

	err := Merge(context.Background(), []string{a, filepath.Join(dir, "gone.ts"), a}, output)
	var missing *SegmentMissingError
	if assert.ErrorAs(err, &missing) {
		assert.Equal(1, missing.Index)
		assert.ErrorIs(err, os.ErrNotExist)
	}
	_, statErr := os.Stat(output)
	assert.ErrorIs(statErr, os.ErrNotExist)

	assert.ErrorIs(Merge(context.Background(), nil, output), ErrNoSegments)
}

func TestMerge_Cancelled(t *testing.T) {
	assert := assert_.New(t)
	dir := t.TempDir()

	a := writeSegment(t, dir, "a.ts", []byte("aaaa"))
	output := filepath.Join(dir, "merged.ts")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(Merge(ctx, []string{a}, output), context.Canceled)
	_, statErr := os.Stat(output)
	assert.ErrorIs(statErr, os.ErrNotExist)
	entries, _ := os.ReadDir(dir)
	assert.Len(entries, 1, "temporary output should be cleaned up")
}
