package domain

import "errors"

// Error taxonomy for the harvesting pipeline. Components wrap these with
// fmt.Errorf("...: %w", err) so callers can classify with errors.Is.
var (
	// ErrCredentialRejected marks an HTTP 403 / bot-detection block.
	ErrCredentialRejected = errors.New("credentials rejected")

	// ErrTransport marks DNS, connect and timeout failures.
	ErrTransport = errors.New("transport error")

	// ErrNotFound marks an absent extraction key or marker.
	ErrNotFound = errors.New("not found")

	// ErrMalformed marks input that cannot be parsed without guessing.
	ErrMalformed = errors.New("malformed input")

	// ErrExhaustedRetries marks a request whose every attempt, endpoint
	// and transport strategy failed.
	ErrExhaustedRetries = errors.New("all attempts exhausted")

	// ErrNoBrowser marks a session acquisition with no browser to attach to.
	ErrNoBrowser = errors.New("no browser available")

	// ErrAcquisitionTimeout marks a session acquisition that could not
	// obtain the required verification cookies in time.
	ErrAcquisitionTimeout = errors.New("session acquisition timed out")
)
