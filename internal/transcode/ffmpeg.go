package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

const (
	FFmpegCommand = "ffmpeg"
	FastStartFlag = "+faststart"
	// stderrTail is how much of ffmpeg's stderr ends up in an error.
	stderrTail = 1024
)

// FFmpeg remuxes a transport stream container with the ffmpeg executable, without re-encoding.
type FFmpeg struct {
	// Path of the executable; FFmpegCommand (resolved through $PATH) when empty.
	Path string
}

var _ Transcoder = (*FFmpeg)(nil)

func (f *FFmpeg) command() string {
	if f.Path == "" {
		return FFmpegCommand
	}
	return f.Path
}

// BuildArgs returns the ffmpeg arguments that copy the streams of inputPath into outputPath.
func (f *FFmpeg) BuildArgs(inputPath string, outputPath string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", inputPath,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", FastStartFlag,
		outputPath,
	}
}

func (f *FFmpeg) Convert(ctx context.Context, inputPath string, outputPath string) error {
	args := f.BuildArgs(inputPath, outputPath)
	log := zap.S().Named("ffmpeg").With("input", inputPath, "output", outputPath)
	log.Debugw("running ffmpeg", "args", args)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.command(), args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Don't leave a truncated output behind
		_ = os.Remove(outputPath)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out := strings.TrimSpace(stderr.String())
		if len(out) > stderrTail {
			out = out[len(out)-stderrTail:]
		}
		if out != "" {
			return fmt.Errorf("%s: %w: %s", f.command(), err, out)
		}
		return fmt.Errorf("%s: %w", f.command(), err)
	}
	log.Debug("ffmpeg finished")
	return nil
}
