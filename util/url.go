package util

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

var (
	ErrNoFilename = errors.New("cannot extract valid filename")
)

// FilenameFromURL returns the last path element of the URL, unescaped.
func FilenameFromURL(u *url.URL) (string, error) {
	if u == nil {
		return "", ErrNoFilename
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return "", ErrNoFilename
	}
	filename := SanitizeFilename(path.Base(p))
	// Don't allow "filenames" that are just ".", "..", etc.
	if strings.ReplaceAll(filename, ".", "") == "" {
		return "", ErrNoFilename
	}
	return filename, nil
}

func FilenameFromURLString(s string) (string, error) {
	parsedURL, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	return FilenameFromURL(parsedURL)
}

// SanitizeFilename replaces path separators and control characters so the name stays inside its directory.
func SanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == 0:
			return '_'
		case r < 0x20:
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(name))
}

// DefaultFilename picks a target file name for a download: the URL's own file name, or fallback when there is none.
// When ext is non-empty it replaces whatever extension the name had.
func DefaultFilename(rawURL string, fallback string, ext string) string {
	name, err := FilenameFromURLString(rawURL)
	if err != nil {
		name = fallback
	}
	if ext != "" {
		name = strings.TrimSuffix(name, path.Ext(name)) + ext
	}
	return name
}
