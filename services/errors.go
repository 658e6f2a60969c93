package services

import "errors"

// Sentinels classifying engine failures. Routes map them onto HTTP codes
// with errors.Is; engines wrap them with context via fmt.Errorf("...: %w").
var (
	// ErrPreconditionFailed marks a consistency violation rejected
	// synchronously: chunking against a non-terminal extraction session,
	// starting extraction while another session is still running.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrCancelled marks work stopped by a caller's cancellation request.
	ErrCancelled = errors.New("cancelled by request")

	// ErrMalformedRequest marks a request that cannot be interpreted, such
	// as a search with neither text nor image query.
	ErrMalformedRequest = errors.New("malformed request")
)
