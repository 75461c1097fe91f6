// Package manifest turns HLS-style playlist text into ordered segment descriptors.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/alanbriolat/media-fetch/internal/model"
)

var (
	ErrNoSegmentsFound = errors.New("manifest: no segments found")
)

const (
	tagDuration   = "#EXTINF:"
	tagKey        = "#EXT-X-KEY:"
	tagStreamInfo = "#EXT-X-STREAM-INF"
)

// UnsupportedStreamError is returned for manifests that can't be downloaded as a plain segment list.
type UnsupportedStreamError struct {
	Line   int
	Reason string
}

func (e *UnsupportedStreamError) Error() string {
	return fmt.Sprintf("manifest: unsupported stream (line %d): %s", e.Line, e.Reason)
}

// InvalidBaseError is returned when the manifest URL itself can't be used to resolve segment references.
type InvalidBaseError struct {
	Base string
	Err  error
}

func (e *InvalidBaseError) Error() string {
	return fmt.Sprintf("manifest: invalid base URL %q: %v", e.Base, e.Err)
}

func (e *InvalidBaseError) Unwrap() error {
	return e.Err
}

// Parse scans the manifest line by line. Every non-comment line is a segment reference, resolved against baseURL;
// #EXTINF sets the duration of the next segment only. Segment indices follow line order starting at 0.
func Parse(text string, baseURL string) ([]model.SegmentDescriptor, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, &InvalidBaseError{Base: baseURL, Err: err}
	}

	var segments []model.SegmentDescriptor
	duration := 0.0
	for i, line := range strings.Split(text, "\n") {
		lineNo := i + 1
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, tagDuration):
			duration = parseDuration(line[len(tagDuration):])
		case strings.HasPrefix(line, tagKey):
			if method := attribute(line[len(tagKey):], "METHOD"); method != "" && method != "NONE" {
				return nil, &UnsupportedStreamError{Line: lineNo, Reason: "encrypted segments (METHOD=" + method + ")"}
			}
		case strings.HasPrefix(line, tagStreamInfo):
			return nil, &UnsupportedStreamError{Line: lineNo, Reason: "master playlist (variant streams)"}
		case strings.HasPrefix(line, "#"):
			continue
		default:
			ref, err := resolve(base, line)
			if err != nil {
				return nil, fmt.Errorf("manifest: line %d: %w", lineNo, err)
			}
			segments = append(segments, model.SegmentDescriptor{
				Index:    len(segments),
				URL:      ref,
				Duration: duration,
			})
			duration = 0
		}
	}

	if len(segments) == 0 {
		return nil, ErrNoSegmentsFound
	}
	return segments, nil
}

// IsManifestURL reports whether the URL looks like a playlist rather than a direct media file.
func IsManifestURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".m3u8", ".m3u":
		return true
	default:
		return false
	}
}

func resolve(base *url.URL, ref string) (string, error) {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return ref, nil
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid segment reference %q: %w", ref, err)
	}
	return base.ResolveReference(r).String(), nil
}

// parseDuration reads "<seconds>[,<title>]"; anything unparseable counts as no duration.
func parseDuration(s string) float64 {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// attribute pulls a single NAME=value pair out of an attribute list, ignoring quoting of other values.
func attribute(list string, name string) string {
	for _, pair := range splitAttributes(list) {
		k, v, ok := strings.Cut(pair, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.ToUpper(strings.Trim(strings.TrimSpace(v), `"`))
		}
	}
	return ""
}

func splitAttributes(list string) []string {
	var parts []string
	inQuotes := false
	start := 0
	for i, r := range list {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			parts = append(parts, list[start:i])
			start = i + 1
		}
	}
	return append(parts, list[start:])
}
