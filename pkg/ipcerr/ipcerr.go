// Package ipcerr defines the sentinel error kinds shared by every layer of
// the IPC substrate (codec, signer, envelope, endpoint, pubsub). Component
// errors wrap one of these with fmt.Errorf("...: %w", Err...) so callers can
// discriminate failure classes with errors.Is, the same wrapping idiom the
// rest of this codebase uses for every other error path.
package ipcerr

import "errors"

var (
	// ErrMalformedToken is returned by codec.Decode on input outside the
	// token alphabet or of invalid length.
	ErrMalformedToken = errors.New("malformed token")

	// ErrMalformedJSON is returned when an envelope's outer or inner
	// JSON cannot be parsed.
	ErrMalformedJSON = errors.New("malformed envelope json")

	// ErrFieldMissing is returned by envelope accessors when the
	// requested field is absent from the inner message.
	ErrFieldMissing = errors.New("field missing")

	// ErrBadSignature is returned when a signature does not verify over
	// the stored inner bytes, or is structurally unparseable.
	ErrBadSignature = errors.New("bad signature")

	// ErrUnsupportedVersion is returned when the inner message's version
	// field is present but not equal to the supported protocol version.
	ErrUnsupportedVersion = errors.New("unsupported version")

	// ErrSignerUnavailable is returned when signing cannot proceed: no
	// identity configured, or the signing backend failed.
	ErrSignerUnavailable = errors.New("signer unavailable")

	// ErrEndpointUnknown is returned when a destination queue or
	// endpoint directory does not exist.
	ErrEndpointUnknown = errors.New("endpoint unknown")

	// ErrTimeout is returned by Recv when no message arrives within the
	// requested bound.
	ErrTimeout = errors.New("timeout")

	// ErrIO wraps any filesystem operation failure not covered above.
	ErrIO = errors.New("io error")
)
