package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrInvalidDeviceID) {
//	    // reject at the boundary
//	}
var (
	// ErrInvalidDeviceID is returned when a device ID is empty.
	ErrInvalidDeviceID = errors.New("device: invalid device id")

	// ErrInvalidRelay is returned when a relay name is empty.
	ErrInvalidRelay = errors.New("device: invalid relay name")

	// ErrDeviceNotFound is returned when a write needs an existing entry and
	// the device has never been seen.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrSnapshotNotFound is returned when no persisted snapshot exists for a device.
	ErrSnapshotNotFound = errors.New("device: snapshot not found")
)
