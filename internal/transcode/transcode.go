// Package transcode hands a merged segment container to an external converter.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
)

// Transcoder converts the container at inputPath into the delivery format at outputPath.
type Transcoder interface {
	Convert(ctx context.Context, inputPath string, outputPath string) error
}

// sniffSize is how much of the input is inspected for a markup error page.
const sniffSize = 512

// ConversionError describes a container that could not be converted. The input is left in place.
type ConversionError struct {
	Path   string
	Size   int64
	Reason string
	Err    error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("conversion of %s (%s) failed: %s", e.Path, humanize.Bytes(uint64(e.Size)), e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Validate checks that path is a plausible media container: it exists, is non-empty, and doesn't start like an
// HTML or XML document (which is what a server error page saved as a segment looks like).
func Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ConversionError{Path: path, Reason: "input not readable", Err: err}
	}
	if info.Size() == 0 {
		return &ConversionError{Path: path, Reason: "input is empty"}
	}
	f, err := os.Open(path)
	if err != nil {
		return &ConversionError{Path: path, Size: info.Size(), Reason: "input not readable", Err: err}
	}
	defer f.Close()
	head := make([]byte, sniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return &ConversionError{Path: path, Size: info.Size(), Reason: "input not readable", Err: err}
	}
	if trimmed := bytes.TrimLeft(head[:n], " \t\r\n\ufeff"); len(trimmed) > 0 && trimmed[0] == '<' {
		return &ConversionError{Path: path, Size: info.Size(), Reason: "input looks like HTML or XML, not media"}
	}
	return nil
}

// Handoff validates inputPath and runs t on it. Any failure is returned as a *ConversionError.
func Handoff(ctx context.Context, t Transcoder, inputPath string, outputPath string) error {
	if err := Validate(inputPath); err != nil {
		return err
	}
	if t == nil {
		return &ConversionError{Path: inputPath, Reason: "no transcoder configured"}
	}
	if err := t.Convert(ctx, inputPath, outputPath); err != nil {
		var size int64
		if info, serr := os.Stat(inputPath); serr == nil {
			size = info.Size()
		}
		return &ConversionError{Path: inputPath, Size: size, Reason: "transcoder failed", Err: err}
	}
	return nil
}
