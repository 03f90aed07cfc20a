// Package fsutil holds path helpers shared by the scanner, the watcher,
// and the remote index. All paths inside permasync are relative,
// forward-slash separated, and NFC normalized.
package fsutil

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePath canonicalizes a relative path: converts Windows path
// separators to forward slashes, replaces non-breaking spaces with
// regular spaces, collapses repeated slashes, trims leading/trailing
// slashes, and applies Unicode NFC normalization. Call this on every
// path entering the system: scanner output, watcher events, and remote
// descriptors from the crawler.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, " ", " ")
	path = strings.ReplaceAll(path, " ", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}

// SplitPath returns the parent directory and base name of a normalized
// path. The parent of a top-level entry is "".
func SplitPath(path string) (parent, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}

	return path[:idx], path[idx+1:]
}

// Extension returns the lowercase extension of a file name without the
// dot, or "" when the name has none. A leading dot (hidden file) does
// not count as an extension separator.
func Extension(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}

	dot := strings.LastIndex(name, ".")
	if dot <= 0 || dot == len(name)-1 {
		return ""
	}

	return strings.ToLower(name[dot+1:])
}
