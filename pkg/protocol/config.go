package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for Config.
const (
	DefaultRetryCount = 5
	DefaultRetryDelay = 30 * time.Millisecond
	DefaultWaitDelay  = 15 * time.Millisecond
)

var ErrInvalidConfig = errors.New("invalid protocol config")

// Config tunes the controller's discovery cycle.
type Config struct {
	// RetryCount is the maximum number of probe transmissions per cycle.
	RetryCount int
	// RetryDelay is waited after every probe attempt.
	RetryDelay time.Duration
	// WaitDelay is waited around the identity read request.
	WaitDelay time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		RetryCount: DefaultRetryCount,
		RetryDelay: DefaultRetryDelay,
		WaitDelay:  DefaultWaitDelay,
	}
}

// Validate checks that the config can drive a cycle.
func (c Config) Validate() error {
	if c.RetryCount < 1 {
		return fmt.Errorf("%w: retry count must be at least 1, got %d", ErrInvalidConfig, c.RetryCount)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: negative retry delay", ErrInvalidConfig)
	}
	if c.WaitDelay < 0 {
		return fmt.Errorf("%w: negative wait delay", ErrInvalidConfig)
	}
	return nil
}
