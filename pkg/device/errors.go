package device

import "errors"

var (
	// ErrNotFound indicates a device was not found
	ErrNotFound = errors.New("device not found")

	// ErrInvalidID indicates a device ID is neither an address nor a UUID
	ErrInvalidID = errors.New("invalid device id")

	// ErrNotConnected indicates the controller is not connected
	ErrNotConnected = errors.New("controller not connected")

	// ErrUnsupported indicates an operation is not supported by the protocol
	ErrUnsupported = errors.New("operation not supported")

	// ErrValidation indicates a payload failed schema validation
	ErrValidation = errors.New("validation error")
)
