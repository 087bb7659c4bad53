package bus

import "errors"

var (
	// ErrTooLong indicates the data did not fit the transmit buffer (status 1).
	ErrTooLong = errors.New("data too long to fit in transmit buffer")

	// ErrAddressNACK indicates no device acknowledged the address (status 2).
	ErrAddressNACK = errors.New("received NACK on transmit of address")

	// ErrDataNACK indicates the device rejected a data byte (status 3).
	ErrDataNACK = errors.New("received NACK on transmit of data")

	// ErrOther covers any other transmission failure (status 4).
	ErrOther = errors.New("undefined bus error")

	// ErrTimeout indicates requested data did not arrive in time.
	ErrTimeout = errors.New("timed out waiting for data")

	// ErrShortRead indicates fewer bytes than requested were read.
	ErrShortRead = errors.New("short read")
)

// Two-wire completion status codes.
const (
	StatusOK         uint8 = 0
	StatusTooLong    uint8 = 1
	StatusAddrNACK   uint8 = 2
	StatusDataNACK   uint8 = 3
	StatusOtherError uint8 = 4
)

// FromStatus maps a completion status code to an error.
func FromStatus(code uint8) error {
	switch code {
	case StatusOK:
		return nil
	case StatusTooLong:
		return ErrTooLong
	case StatusAddrNACK:
		return ErrAddressNACK
	case StatusDataNACK:
		return ErrDataNACK
	default:
		return ErrOther
	}
}

// StatusCode maps a transmission error back to its status code.
func StatusCode(err error) uint8 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTooLong):
		return StatusTooLong
	case errors.Is(err, ErrAddressNACK):
		return StatusAddrNACK
	case errors.Is(err, ErrDataNACK):
		return StatusDataNACK
	default:
		return StatusOtherError
	}
}
