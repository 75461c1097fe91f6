// Package merge concatenates downloaded segment files, in index order, into a single container file.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

var (
	ErrNoSegments = errors.New("merge: no segments")
)

const copyBufferSize = 256 * 1024

// SegmentMissingError means a segment file could not be found (or stat'd) before merging started.
type SegmentMissingError struct {
	Index int
	Path  string
	Err   error
}

func (e *SegmentMissingError) Error() string {
	return fmt.Sprintf("merge: segment %d missing (%s): %v", e.Index, e.Path, e.Err)
}

func (e *SegmentMissingError) Unwrap() error {
	return e.Err
}

// EmptySegmentError means a segment file exists but holds no data.
type EmptySegmentError struct {
	Index int
	Path  string
}

func (e *EmptySegmentError) Error() string {
	return fmt.Sprintf("merge: segment %d is empty (%s)", e.Index, e.Path)
}

// ReadError is a failure reading a segment part way through the merge.
type ReadError struct {
	Index int
	Path  string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("merge: reading segment %d (%s): %v", e.Index, e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// WriteError is a failure creating, writing or finalising the output.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("merge: writing %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Merge writes the concatenation of paths to outputPath. Every segment is checked before anything is written, and
// the output only appears under its final name once complete.
func Merge(ctx context.Context, paths []string, outputPath string) error {
	log := zap.S().Named("merge").With("output", outputPath)

	if len(paths) == 0 {
		return ErrNoSegments
	}
	var total int64
	for i, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return &SegmentMissingError{Index: i, Path: p, Err: err}
		}
		if info.IsDir() {
			return &SegmentMissingError{Index: i, Path: p, Err: errors.New("is a directory")}
		}
		if info.Size() == 0 {
			return &EmptySegmentError{Index: i, Path: p}
		}
		total += info.Size()
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}
	if err := os.Remove(outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &WriteError{Path: outputPath, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".*.tmp")
	if err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	buf := make([]byte, copyBufferSize)
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := appendFile(tmp, i, p, buf); err != nil {
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}
	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}
	committed = true
	log.Debugw("merged segments", "segments", len(paths), "bytes", total)
	return nil
}

// appendFile copies one segment onto the end of dst, keeping read and write failures apart.
func appendFile(dst *os.File, index int, path string, buf []byte) error {
	src, err := os.Open(path)
	if err != nil {
		return &ReadError{Index: index, Path: path, Err: err}
	}
	defer src.Close()
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return &WriteError{Path: dst.Name(), Err: werr}
			}
		}
		if rerr == io.EOF {
			return nil
		} else if rerr != nil {
			return &ReadError{Index: index, Path: path, Err: rerr}
		}
	}
}
