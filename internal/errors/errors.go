package errors

import "errors"

// Queue errors.
var (
	ErrUnknownItem         = errors.New("unknown queue item")
	ErrNotAwaitingApproval = errors.New("item is not awaiting approval")
	ErrUnresolvedConflict  = errors.New("conflicted item has no resolution")
	ErrAlreadyResolved     = errors.New("item already has a resolution")
	ErrInvalidResolution   = errors.New("resolution not valid for conflict type")
	ErrNotFailed           = errors.New("item is not in failed state")
	ErrNotUploading        = errors.New("item is not uploading")
	ErrItemRejected        = errors.New("item was rejected")
)

// Payment errors.
var (
	ErrInsufficientBalance = errors.New("insufficient balance for selected rail")
)

// Gateway/transport errors.
var (
	ErrGatewayRequest  = errors.New("gateway request failed")
	ErrGatewayResponse = errors.New("unexpected gateway response")
)
