package models

import "errors"

var (
	// ErrInvalidRequest is returned for a missing or blank prompt. It is a client error and is never
	// retried.
	ErrInvalidRequest = errors.New("message is required")

	// ErrUpstreamUnavailable wraps network failures and non-2xx answers from the model provider.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamMalformed wraps a stream frame that could not be parsed. Only that frame is dropped.
	ErrUpstreamMalformed = errors.New("upstream frame malformed")
)
