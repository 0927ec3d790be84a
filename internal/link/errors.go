package link

import "errors"

// Domain errors for the link package.
var (
	// ErrFrameTooLarge is returned when a length prefix exceeds the
	// configured maximum frame size. The stream cannot be resynchronised,
	// so the connection must be closed.
	ErrFrameTooLarge = errors.New("link: frame too large")

	// ErrInvalidFrameLength is returned when a length prefix is zero or
	// negative when read as a signed 32-bit integer.
	ErrInvalidFrameLength = errors.New("link: invalid frame length")

	// ErrHandshakeTooLong is returned when no newline arrives within the
	// maximum handshake length.
	ErrHandshakeTooLong = errors.New("link: handshake line too long")

	// ErrInvalidHandshake is returned when the handshake is not a JSON object.
	ErrInvalidHandshake = errors.New("link: invalid handshake")

	// ErrInvalidMessage is returned when a frame does not hold a JSON object.
	ErrInvalidMessage = errors.New("link: invalid message")

	// ErrAlreadyStarted is returned by Start on a running manager.
	ErrAlreadyStarted = errors.New("link: manager already started")

	// ErrStopped is returned by Start after Stop has been called.
	ErrStopped = errors.New("link: manager stopped")
)
