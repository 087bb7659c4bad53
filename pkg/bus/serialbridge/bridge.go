// Package serialbridge drives a two-wire bus through a USB-serial bridge
// adapter. The adapter speaks a small request/reply framing:
//
//	write: 'W' addr len data...  ->  status
//	read:  'R' addr n            ->  count data...
package serialbridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/urmzd/licd/pkg/bus"
	"github.com/urmzd/licd/pkg/protocol"
)

const (
	opWrite = 'W'
	opRead  = 'R'

	// maxPayload is the adapter's transmit buffer size.
	maxPayload = 32

	replyTimeout = 200 * time.Millisecond
)

var errReplyTimeout = errors.New("bridge reply timed out")

// Bridge implements bus.Bus over a serial adapter.
type Bridge struct {
	port io.ReadWriteCloser
	mu   sync.Mutex

	rx   bytes.Buffer
	rxMu sync.Mutex
}

// Open opens the adapter at portPath at 115200 baud, 8N1.
func Open(portPath string) (*Bridge, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portPath, err)
	}

	if err := port.SetReadTimeout(replyTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("reset input buffer: %w", err)
	}

	log.Info().Str("port", portPath).Msg("Bus bridge opened")

	return New(port), nil
}

// New wraps an already open adapter connection.
func New(port io.ReadWriteCloser) *Bridge {
	return &Bridge{port: port}
}

// Transmit implements bus.Bus.
func (b *Bridge) Transmit(addr protocol.Address, data []byte) error {
	if len(data) > maxPayload {
		return bus.ErrTooLong
	}

	frame := make([]byte, 0, 3+len(data))
	frame = append(frame, opWrite, byte(addr), byte(len(data)))
	frame = append(frame, data...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.port.Write(frame); err != nil {
		return fmt.Errorf("%w: write frame: %v", bus.ErrOther, err)
	}

	status, err := b.readByte()
	if err != nil {
		return fmt.Errorf("%w: read status: %v", bus.ErrOther, err)
	}

	return bus.FromStatus(status)
}

// RequestFrom implements bus.Bus.
func (b *Bridge) RequestFrom(addr protocol.Address, n int) int {
	if n <= 0 {
		return 0
	}
	if n > maxPayload {
		n = maxPayload
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.port.Write([]byte{opRead, byte(addr), byte(n)}); err != nil {
		log.Warn().Err(err).Stringer("address", addr).Msg("Bridge read request failed")
		return 0
	}

	count, err := b.readByte()
	if err != nil {
		log.Warn().Err(err).Stringer("address", addr).Msg("Bridge read reply missing")
		return 0
	}

	// The whole reply is consumed so the next frame starts in sync, but
	// only the requested bytes are kept.
	data := make([]byte, int(count))
	got, err := b.readFull(data)
	if err != nil {
		log.Warn().Err(err).Int("expected", int(count)).Int("got", got).Msg("Bridge read reply truncated")
	}
	if got > n {
		log.Warn().Int("requested", n).Int("sent", int(count)).Msg("Bridge read reply longer than requested")
		got = n
	}

	b.rxMu.Lock()
	b.rx.Write(data[:got])
	b.rxMu.Unlock()

	return got
}

// Available implements bus.Bus.
func (b *Bridge) Available() int {
	b.rxMu.Lock()
	defer b.rxMu.Unlock()
	return b.rx.Len()
}

// Read implements bus.Bus.
func (b *Bridge) Read(p []byte) (int, error) {
	b.rxMu.Lock()
	defer b.rxMu.Unlock()
	return b.rx.Read(p)
}

// Close closes the serial port.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}

// readByte reads a single reply byte.
func (b *Bridge) readByte() (byte, error) {
	buf := make([]byte, 1)
	if _, err := b.readFull(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// readFull fills p from the port. A serial read timeout shows up as a
// zero-length read and ends the read with errReplyTimeout.
func (b *Bridge) readFull(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := b.port.Read(p[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, errReplyTimeout
		}
	}
	return n, nil
}
