package conflict

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// diffCleanupThreshold is the minimum number of diffs before running
	// the semantic cleanup pass. Below this count the raw diffs are
	// already readable.
	diffCleanupThreshold = 2

	// maxDiffInput caps the preview size fed to the differ. Previews
	// larger than this produce a size-only summary.
	maxDiffInput = 64 * 1024
)

// DiffSummary produces a one-line human-readable delta between the local
// and remote text previews, e.g. "+120/-48 chars across 3 edits".
// Returns "" when either side is missing, not valid UTF-8, or too large
// to diff cheaply. Never used for anything but display.
func DiffSummary(local, remote []byte) string {
	if len(local) == 0 || len(remote) == 0 {
		return ""
	}

	if len(local) > maxDiffInput || len(remote) > maxDiffInput {
		return ""
	}

	if !utf8.Valid(local) || !utf8.Valid(remote) {
		return ""
	}

	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(string(remote), string(local), true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	var added, removed, edits int

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += utf8.RuneCountInString(d.Text)
			edits++
		case diffmatchpatch.DiffDelete:
			removed += utf8.RuneCountInString(d.Text)
			edits++
		case diffmatchpatch.DiffEqual:
		}
	}

	if edits == 0 {
		return ""
	}

	return fmt.Sprintf("+%d/-%d chars across %d edits", added, removed, edits)
}

// KeepBothName returns a collision-avoiding name for a keep_both
// resolution. taken reports whether a candidate name is already in use
// locally or remotely; the first free candidate wins.
func KeepBothName(name string, taken func(string) bool) string {
	base, ext := splitExt(name)

	candidate := base + " (copy)" + ext
	if !taken(candidate) {
		return candidate
	}

	for i := 2; i <= 100; i++ {
		candidate = fmt.Sprintf("%s (copy %d)%s", base, i, ext)
		if !taken(candidate) {
			return candidate
		}
	}

	// Fallback: use a timestamp to guarantee uniqueness.
	return fmt.Sprintf("%s (copy %d)%s", base, time.Now().UnixMilli(), ext)
}

func splitExt(name string) (base, ext string) {
	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		return name, ""
	}

	return name[:dot], name[dot:]
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "unknown"
	}

	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}
