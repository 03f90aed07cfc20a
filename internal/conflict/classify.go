// Package conflict classifies candidate local changes against the known
// remote state and defines the resolutions an operator may pick for each
// conflict class. Classification is a pure decision function with no
// I/O: the queue resolves remote lookups first and passes the results in.
package conflict

import (
	"fmt"

	"github.com/jbracken/permasync/internal/state"
)

// Type is the conflict class of a candidate change.
type Type int

const (
	// TypeNone means no remote counterpart or unambiguous new content.
	// The item may proceed without an operator decision.
	TypeNone Type = iota

	// TypeDuplicate means identical content is already present remotely
	// at the same path. Publishing again would pay for bytes the network
	// already holds.
	TypeDuplicate

	// TypeFilename means a remote entry with the same name exists under
	// the same parent but maps to a different target, so the intended
	// destination is ambiguous.
	TypeFilename

	// TypeContent means the same path holds divergent content remotely.
	TypeContent
)

// String returns the conflict class name used in logs and the approval view.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeDuplicate:
		return "duplicate"
	case TypeFilename:
		return "filename_conflict"
	case TypeContent:
		return "content_conflict"
	default:
		return "unknown"
	}
}

// Resolution is an operator decision for one conflicted item.
type Resolution int

const (
	// ResolveKeepLocal publishes the local version, incurring its
	// estimated cost.
	ResolveKeepLocal Resolution = iota

	// ResolveUseRemote keeps the remote version; the local file is
	// reconciled to match it. No publish, no cost.
	ResolveUseRemote

	// ResolveKeepBoth renames the local file to avoid the collision and
	// publishes it as a new item, incurring cost.
	ResolveKeepBoth

	// ResolveSkip permanently excludes the item from this queue cycle.
	ResolveSkip
)

// String returns the resolution name as it appears in audit records.
func (r Resolution) String() string {
	switch r {
	case ResolveKeepLocal:
		return "keep_local"
	case ResolveUseRemote:
		return "use_remote"
	case ResolveKeepBoth:
		return "keep_both"
	case ResolveSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParseResolution converts a wire/config string to a Resolution.
func ParseResolution(s string) (Resolution, bool) {
	switch s {
	case "keep_local":
		return ResolveKeepLocal, true
	case "use_remote":
		return ResolveUseRemote, true
	case "keep_both":
		return ResolveKeepBoth, true
	case "skip":
		return ResolveSkip, true
	default:
		return ResolveSkip, false
	}
}

// ValidResolutions returns the resolutions an operator may pick for a
// conflict class. TypeNone has none: conflict-free items proceed
// implicitly. Duplicates default to skip but keep_both and keep_local
// remain permitted for operators who want the bytes republished.
func ValidResolutions(t Type) []Resolution {
	switch t {
	case TypeDuplicate:
		return []Resolution{ResolveSkip, ResolveKeepBoth, ResolveKeepLocal}
	case TypeFilename, TypeContent:
		return []Resolution{ResolveKeepLocal, ResolveUseRemote, ResolveKeepBoth, ResolveSkip}
	default:
		return nil
	}
}

// DefaultResolution returns the natural default for a conflict class,
// or false when the class has no default and the operator must choose.
func DefaultResolution(t Type) (Resolution, bool) {
	if t == TypeDuplicate {
		return ResolveSkip, true
	}

	return ResolveSkip, false
}

// Change is the classifier's view of one candidate local change.
// Preview holds the beginning of the local file for small text files,
// used only to enrich conflict details.
type Change struct {
	Path        string
	Name        string
	Size        int64
	MTime       int64
	ContentHash string
	Preview     []byte
}

// Classify determines the conflict class of a candidate change.
//
// byPath is the remote entry at the change's exact path, byName a remote
// entry with the same name under the same parent but a different path
// mapping. Either may be nil. Both lookups are resolved by the caller
// against the crawler's index; Classify itself performs no I/O and
// retains no reference to its arguments.
func Classify(ch Change, byPath, byName *state.RemoteFile) (Type, string) {
	if byPath != nil {
		if byPath.DataHash != "" && byPath.DataHash == ch.ContentHash {
			return TypeDuplicate, fmt.Sprintf(
				"identical content already stored remotely (tx %s)", byPath.TxID)
		}

		details := fmt.Sprintf(
			"remote version diverges: local %s modified %s, remote %s (tx %s)",
			formatSize(ch.Size), formatMillis(ch.MTime), formatSize(byPath.Size), byPath.TxID)

		if summary := DiffSummary(ch.Preview, byPath.Preview); summary != "" {
			details += "; " + summary
		}

		return TypeContent, details
	}

	if byName != nil {
		return TypeFilename, fmt.Sprintf(
			"name %q already used under %q for a different target (remote path %s)",
			ch.Name, byName.Parent, byName.Path)
	}

	return TypeNone, ""
}
