package bus

import (
	"context"
	"io"
	"time"

	"github.com/urmzd/licd/pkg/protocol"
)

// Bus is the controller side of a two-wire transport.
type Bus interface {
	// Transmit addresses a write of data to addr and waits for completion.
	// A nil error means the transfer was acknowledged.
	Transmit(addr protocol.Address, data []byte) error

	// RequestFrom asks addr for n bytes and returns how many arrived.
	// Received bytes are buffered for Read.
	RequestFrom(addr protocol.Address, n int) int

	// Available returns the number of buffered bytes.
	Available() int

	// Read drains buffered bytes.
	Read(p []byte) (int, error)
}

// Handler reacts to traffic addressed to a subordinate.
// Both methods run in the transport's delivery context and must return quickly.
type Handler interface {
	// OnReceive is called with the bytes the controller wrote.
	OnReceive(data []byte)

	// OnRequest is called when the controller reads; whatever is written to w
	// is returned to the controller.
	OnRequest(w io.Writer)
}

// Endpoint is the subordinate side of a transport: a single bus attachment
// that listens at one address at a time.
type Endpoint interface {
	// Bind (re)attaches the endpoint at addr with h. A previous binding is
	// released atomically.
	Bind(addr protocol.Address, h Handler) error
}

// pollInterval is how often ReadExact rechecks Available.
const pollInterval = time.Millisecond

// ReadExact waits up to timeout for len(buf) bytes to become available and
// reads them. It fails with ErrTimeout if fewer arrive in time and
// ErrShortRead if the read itself comes up short.
func ReadExact(ctx context.Context, b Bus, buf []byte, timeout time.Duration) error {
	if len(buf) == 0 {
		return ErrShortRead
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for b.Available() < len(buf) {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return ErrTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}

	n, err := io.ReadFull(b, buf)
	if err != nil || n != len(buf) {
		return ErrShortRead
	}
	return nil
}
