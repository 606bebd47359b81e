// Package services defines the business logic for users, messages, and the
// credential pool. This file centralizes service-level error values so that
// they can be consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer. Errors from the core packages (keypool, window,
// upstream) are passed through wrapped, so callers test them with errors.Is.
package services

import "errors"

var (
	// ErrEmptyPrompt is returned when a message is blank after normalization.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrTooLong is returned when a message exceeds the configured rune limit.
	ErrTooLong = errors.New("prompt too long")

	// ErrInvalidUser rejects user IDs that are blank or too long to store.
	ErrInvalidUser = errors.New("invalid user id")

	// ErrUnknownModel is returned when a user selects a model that is not in
	// the catalog.
	ErrUnknownModel = errors.New("unknown model")

	// ErrModelLocked is returned when a user selects a catalog model that is
	// not available.
	ErrModelLocked = errors.New("model not available")

	// ErrUpstreamFailed means no reply could be produced: retries and
	// reassignments were spent, or the upstream refused the request.
	ErrUpstreamFailed = errors.New("upstream failed")

	// ErrChatNotFound is returned when the user owns no chat with the given ID.
	ErrChatNotFound = errors.New("chat not found")

	// ErrTurnNotFound indicates a stored reply could not be found for replay.
	ErrTurnNotFound = errors.New("turn not found")
)
