// Package queue implements the upload queue reconciliation engine: it
// turns detected local changes into priced, conflict-classified,
// approvable work units and drives their execution against the external
// sync daemon with progress, retry, and cancellation semantics.
package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/jbracken/permasync/internal/conflict"
	"github.com/jbracken/permasync/internal/payment"
	"github.com/jbracken/permasync/internal/pricing"
)

// OperationType classifies the kind of remote mutation a queued item
// requires. Everything except OpUpload mutates only metadata and is
// free to publish.
type OperationType int

const (
	// OpUpload publishes new or changed file content.
	OpUpload OperationType = iota

	// OpMove relocates a file to a different parent folder.
	OpMove

	// OpRename changes a file's name within its parent.
	OpRename

	// OpHide marks a remote file as hidden without removing it; data on
	// the permanent network cannot be retracted.
	OpHide

	// OpUnhide clears the hidden flag.
	OpUnhide

	// OpDelete hides the remote entry for a locally deleted file. The
	// published data itself is permanent.
	OpDelete
)

// String returns the operation name used on the wire and in logs.
func (o OperationType) String() string {
	switch o {
	case OpUpload:
		return "upload"
	case OpMove:
		return "move"
	case OpRename:
		return "rename"
	case OpHide:
		return "hide"
	case OpUnhide:
		return "unhide"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MetadataOnly reports whether the operation mutates only metadata.
// Metadata mutations are minuscule and therefore always free.
func (o OperationType) MetadataOnly() bool {
	return o != OpUpload
}

// Describe returns the human-readable description shown in the approval
// view. Exhaustive over the enum: a new operation type must be handled
// here before it can be displayed.
func (o OperationType) Describe() string {
	switch o {
	case OpUpload:
		return "Publish file content"
	case OpMove:
		return "Move to a different folder"
	case OpRename:
		return "Rename"
	case OpHide:
		return "Hide from the drive listing"
	case OpUnhide:
		return "Restore to the drive listing"
	case OpDelete:
		return "Remove from the drive listing"
	default:
		return "Unknown operation"
	}
}

// ParseOperation converts a wire string to an OperationType.
func ParseOperation(s string) (OperationType, bool) {
	switch s {
	case "upload":
		return OpUpload, true
	case "move":
		return OpMove, true
	case "rename":
		return OpRename, true
	case "hide":
		return OpHide, true
	case "unhide":
		return OpUnhide, true
	case "delete":
		return OpDelete, true
	default:
		return OpUpload, false
	}
}

// ApprovalStatus is the approval-gate state of a queued item, distinct
// from the execution lifecycle tracked in ExecutionState.
type ApprovalStatus int

const (
	// StatusAwaitingApproval is the initial state of every queued item.
	StatusAwaitingApproval ApprovalStatus = iota

	// StatusApproved means the operator accepted the item. Approved
	// items normally move straight into execution; an item stays merely
	// approved when the balance gate blocked submission.
	StatusApproved

	// StatusRejected is terminal. No further transitions are accepted.
	StatusRejected
)

// String returns the approval status name.
func (s ApprovalStatus) String() string {
	switch s {
	case StatusAwaitingApproval:
		return "awaiting_approval"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ExecStatus is the live execution state of a submitted item.
type ExecStatus int

const (
	// ExecUploading means the daemon accepted the submission and is
	// publishing it.
	ExecUploading ExecStatus = iota

	// ExecCompleted is terminal for the execution lifecycle. The
	// transient state is cleared a short settle delay later.
	ExecCompleted

	// ExecFailed means the daemon reported an error. The item is
	// retryable; nothing is retried automatically.
	ExecFailed
)

// String returns the execution status name used on the wire.
func (s ExecStatus) String() string {
	switch s {
	case ExecUploading:
		return "uploading"
	case ExecCompleted:
		return "completed"
	case ExecFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseExecStatus converts a wire string to an ExecStatus.
func ParseExecStatus(s string) (ExecStatus, bool) {
	switch s {
	case "uploading":
		return ExecUploading, true
	case "completed":
		return ExecCompleted, true
	case "failed":
		return ExecFailed, true
	default:
		return ExecUploading, false
	}
}

// Change is a raw change descriptor handed to the engine by the watcher
// or the startup scanner. Preview carries the beginning of small text
// files and is used only to enrich conflict details.
type Change struct {
	LocalPath    string
	FileName     string
	FileSize     int64
	MTime        int64
	Operation    OperationType
	PreviousPath string
	ContentHash  string
	Preview      []byte
}

// PendingUpload is one detected local change awaiting a publishing
// decision. The engine owns every instance; snapshots hand out copies.
type PendingUpload struct {
	ID           uuid.UUID
	LocalPath    string
	FileName     string
	FileSize     int64
	Operation    OperationType
	PreviousPath string
	ContentHash  string
	MTime        int64

	// Cost is the advisory estimate; Rail is the balance gate's pick,
	// including the sufficiency flag surfaced pre-submission.
	Cost pricing.Cost
	Rail payment.RailSelection

	Conflict        conflict.Type
	ConflictDetails string

	Status    ApprovalStatus
	CreatedAt time.Time

	preview []byte
}

// Resolution records an operator decision for one conflicted item.
// Write-once per item: re-resolution requires removing and re-adding
// the item.
type Resolution struct {
	UploadID   uuid.UUID
	Resolution conflict.Resolution
	Reasoning  string
	ResolvedAt time.Time
}

// ExecutionState tracks the live lifecycle of an approved item while
// the daemon executes it. Runtime-only, never persisted. Progress is
// monotonically non-decreasing while Status is ExecUploading.
type ExecutionState struct {
	Progress int
	Status   ExecStatus
	Err      string
}

// ProgressEvent is one update from the daemon's event stream.
type ProgressEvent struct {
	ID       uuid.UUID
	Progress int
	Status   ExecStatus
	Error    string
}

// Submission is what the engine hands the execution service for one
// approved item.
type Submission struct {
	ID           uuid.UUID
	LocalPath    string
	PreviousPath string
	FileName     string
	Operation    OperationType
	Size         int64
	Rail         pricing.Rail
}

// Snapshot is a consistent copy of the queue for presentation. Items
// appear in detection order.
type Snapshot struct {
	Items     []PendingUpload
	Execution map[uuid.UUID]ExecutionState
	Breakdown pricing.CostBreakdown

	// QuotesDegraded is set when the last price or balance refresh fell
	// back to cached defaults because an oracle was unreachable.
	QuotesDegraded bool
}
