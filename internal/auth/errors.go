package auth

import "errors"

var (
	// ErrTokenNotFound is returned when no token is stored for a device.
	ErrTokenNotFound = errors.New("auth: token not found")

	// ErrInvalidPolicy is returned for an unknown auth policy name.
	ErrInvalidPolicy = errors.New("auth: invalid policy")

	// ErrEmptyToken is returned when storing an empty token.
	ErrEmptyToken = errors.New("auth: empty token")

	// ErrInvalidDeviceID is returned when a device ID is empty.
	ErrInvalidDeviceID = errors.New("auth: invalid device id")
)
