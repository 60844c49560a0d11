package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates an upload status change not allowed by the state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSubmissionInFlight indicates a chat submission is already outstanding
	ErrSubmissionInFlight = errors.New("submission already in flight")

	// ErrUnexpectedStatus indicates the backend answered with a non-success status
	ErrUnexpectedStatus = errors.New("unexpected response status")

	// ErrNoResponseBody indicates a success response without a readable body
	ErrNoResponseBody = errors.New("no response body")

	// ErrServiceUnavailable indicates the backend could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrProcessingFailed indicates the backend gave up processing a document
	ErrProcessingFailed = errors.New("document processing failed")
)
