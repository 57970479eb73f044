package memfault

import "errors"

// Protocol errors raised when a required MDS step yields absent or
// unparsable data. Every one of them triggers the disconnect-cleanup
// sequence; the orchestrator never retries a failed protocol step itself.
var (
	// ErrMdsNotFound: service discovery did not yield the MDS service.
	ErrMdsNotFound = errors.New("MDS service not found")

	// ErrUnableToReadDeviceURI: the data-URI characteristic was missing or
	// did not parse as an absolute URL.
	ErrUnableToReadDeviceURI = errors.New("unable to read device URI")

	// ErrUnableToReadAuthData: the auth characteristic was missing or not of
	// the form <header>:<value>.
	ErrUnableToReadAuthData = errors.New("unable to read auth data")

	// ErrAuthDataNotFound: a chunk arrived while the session had no
	// credentials. Chunks cannot be safely queued without credentials, so
	// this is fatal to the connection.
	ErrAuthDataNotFound = errors.New("auth data not found for device")
)
