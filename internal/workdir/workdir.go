// Package workdir lays out the per-task scratch space where transfers land before being moved somewhere stable.
package workdir

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/alanbriolat/media-fetch/internal/model"
)

const (
	partSuffix    = ".part"
	segmentSuffix = ".ts"
	containerName = "merged.ts"
	fileName      = "download"
)

type WorkDir struct {
	root string
}

// New ensures root exists and returns a WorkDir rooted there.
func New(root string) (*WorkDir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir %v: %w", root, err)
	}
	return &WorkDir{root: root}, nil
}

func (w *WorkDir) Root() string {
	return w.root
}

// TaskDir is the directory holding everything belonging to one task.
func (w *WorkDir) TaskDir(id model.TaskID) string {
	return filepath.Join(w.root, string(id))
}

// Prepare creates the task directory.
func (w *WorkDir) Prepare(id model.TaskID) error {
	return os.MkdirAll(w.TaskDir(id), 0755)
}

// FilePartPath is where a whole-file transfer streams its bytes.
func (w *WorkDir) FilePartPath(id model.TaskID) string {
	return filepath.Join(w.TaskDir(id), fileName+partSuffix)
}

// SegmentPartPath is where a segment transfer streams its bytes.
func (w *WorkDir) SegmentPartPath(id model.TaskID, index int) string {
	return filepath.Join(w.TaskDir(id), fmt.Sprintf("%05d%s", index, partSuffix))
}

// SegmentPath is the stable location of a completed segment.
func (w *WorkDir) SegmentPath(id model.TaskID, index int) string {
	return filepath.Join(w.TaskDir(id), fmt.Sprintf("%05d%s", index, segmentSuffix))
}

// ContainerPath is the merged container handed to the transcoder.
func (w *WorkDir) ContainerPath(id model.TaskID) string {
	return filepath.Join(w.TaskDir(id), containerName)
}

// Remove deletes the task directory and everything in it.
func (w *WorkDir) Remove(id model.TaskID) error {
	if err := os.RemoveAll(w.TaskDir(id)); err != nil {
		zap.S().Named("workdir").Warnw("failed to clean up task dir", "task_id", id, "error", err)
		return err
	}
	return nil
}

// MoveFile moves src to dst, replacing any existing file at dst and creating dst's directory. When a rename isn't
// possible (different filesystems) the data is copied instead.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to replace %v: %w", dst, err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if _, statErr := os.Stat(src); statErr != nil {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
