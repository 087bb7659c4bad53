// Package controller drives dynamic address assignment from the bus
// controller's side: it probes the discovery address, reads the waiting
// subordinate's identity, allocates a registry slot and sends the result.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/licd/pkg/bus"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/metrics"
	"github.com/urmzd/licd/pkg/protocol"
	"github.com/urmzd/licd/pkg/registry"
)

// Controller implements device.Controller and device.EventSubscriber
// on top of a bus.Bus and a registry.
type Controller struct {
	bus      bus.Bus
	registry *registry.Registry
	cfg      protocol.Config
	metrics  *metrics.Metrics
	closer   io.Closer
	journal  Journal

	readTimeout time.Duration

	// cycleMu keeps discovery cycles from overlapping.
	cycleMu sync.Mutex

	subscribers   []chan device.DiscoveryEvent
	subscribersMu sync.Mutex

	connected atomic.Bool
	interval  atomic.Int64
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records cycle metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Journal receives every discovery event synchronously, before any
// subscriber. A journal never misses an event.
type Journal interface {
	Handle(ctx context.Context, evt device.DiscoveryEvent) error
}

// WithJournal records every event to j.
func WithJournal(j Journal) Option {
	return func(c *Controller) {
		c.journal = j
	}
}

// WithCloser closes cl when the controller is closed, typically the
// underlying serial port.
func WithCloser(cl io.Closer) Option {
	return func(c *Controller) {
		c.closer = cl
	}
}

// New creates a controller. The registry is owned by the controller from
// here on and must not be allocated from elsewhere.
func New(b bus.Bus, reg *registry.Registry, cfg protocol.Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		bus:         b,
		registry:    reg,
		cfg:         cfg,
		readTimeout: protocol.IdentityReadTimeout,
	}
	c.interval.Store(int64(time.Second))
	for _, opt := range opts {
		opt(c)
	}
	c.connected.Store(true)

	log.Info().
		Int("retry_count", cfg.RetryCount).
		Dur("retry_delay", cfg.RetryDelay).
		Dur("wait_delay", cfg.WaitDelay).
		Int("capacity", reg.Cap()).
		Msg("Bus controller initialized")

	return c, nil
}

// Run polls until ctx is cancelled, waiting interval between cycles.
// SetPollInterval changes the wait for later cycles.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	c.SetPollInterval(interval)

	for {
		if _, err := c.PollOnce(ctx); err != nil {
			return err
		}
		if err := sleep(ctx, c.PollInterval()); err != nil {
			return err
		}
	}
}

// SetPollInterval sets the wait between cycles of Run.
func (c *Controller) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	c.interval.Store(int64(d))
}

// PollInterval returns the wait between cycles of Run.
func (c *Controller) PollInterval() time.Duration {
	return time.Duration(c.interval.Load())
}

// Reconfigure swaps the retry tuning. It waits for any running cycle to
// finish, so the new values apply from the next cycle.
func (c *Controller) Reconfigure(cfg protocol.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cycleMu.Lock()
	c.cfg = cfg
	c.cycleMu.Unlock()

	log.Info().
		Int("retry_count", cfg.RetryCount).
		Dur("retry_delay", cfg.RetryDelay).
		Dur("wait_delay", cfg.WaitDelay).
		Msg("Bus controller reconfigured")
	return nil
}

// Config returns the current retry tuning.
func (c *Controller) Config() protocol.Config {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	return c.cfg
}

// PollOnce runs one discovery/registration cycle. Protocol failures are
// reported through the result; the error is only set when ctx ends or the
// controller is closed.
func (c *Controller) PollOnce(ctx context.Context) (device.PollResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if !c.connected.Load() {
		return device.PollResult{}, device.ErrNotConnected
	}

	start := time.Now()
	res, err := c.poll(ctx)
	res.Duration = time.Since(start)

	if err == nil {
		c.metrics.ObservePoll(string(res.Outcome), res.Attempts, res.Duration)
	}
	return res, err
}

func (c *Controller) poll(ctx context.Context) (device.PollResult, error) {
	res := device.PollResult{Outcome: device.OutcomeIdle}

	attempts, found, err := c.probe(ctx)
	res.Attempts = attempts
	if err != nil || !found {
		return res, err
	}

	addr := protocol.Listener
	h, err := c.readIdentity(ctx)
	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()

	case err != nil:
		log.Warn().Err(err).Msg("Failed to read identity header")
		res.Outcome = device.OutcomeReadFailed
		res.Reason = err.Error()
		c.publishEvent(ctx, device.EventIdentityReadFailed, nil)

	default:
		res.Identity = &h
		addr, res.Rejoined, err = c.registry.Allocate(h)
		if err != nil {
			res.Outcome = device.OutcomeRetry
			res.Reason = err.Error()
			c.reportAllocationFailure(ctx, h, err)
		}
	}

	if addr.Valid() {
		res.Outcome = device.OutcomeAssigned
		res.Address = addr
		res.Command = protocol.CmdAssignAddress
	} else {
		res.Command = protocol.CmdRetry
	}

	if err := c.sendCommand(addr); err != nil {
		log.Warn().Err(err).Stringer("command", res.Command).Msg("Failed to send assignment command")
	}

	if res.Outcome == device.OutcomeAssigned {
		c.reportAssignment(ctx, h, addr, res.Rejoined)
	}

	return res, nil
}

// probe sends QueryIdentity to the discovery address until one transmission
// is acknowledged or the retry count is spent.
func (c *Controller) probe(ctx context.Context) (int, bool, error) {
	query := []byte{byte(protocol.CmdQueryIdentity)}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryCount; attempt++ {
		lastErr = c.bus.Transmit(protocol.Listener, query)

		if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
			return attempt, false, err
		}

		if lastErr == nil {
			return attempt, true, nil
		}
		c.metrics.TransmitError(bus.StatusCode(lastErr))
	}

	logProbeFailure(lastErr, c.cfg.RetryCount)
	return c.cfg.RetryCount, false, nil
}

// readIdentity requests one header from the discovery address.
func (c *Controller) readIdentity(ctx context.Context) (protocol.Header, error) {
	var h protocol.Header

	c.drain()

	if err := sleep(ctx, c.cfg.WaitDelay); err != nil {
		return h, err
	}

	received := c.bus.RequestFrom(protocol.Listener, protocol.HeaderSize)

	if err := sleep(ctx, c.cfg.WaitDelay); err != nil {
		return h, err
	}

	buf := make([]byte, protocol.HeaderSize)
	if err := bus.ReadExact(ctx, c.bus, buf, c.readTimeout); err != nil {
		return h, fmt.Errorf("read identity (%d of %d bytes received): %w", received, protocol.HeaderSize, err)
	}

	if err := h.UnmarshalBinary(buf); err != nil {
		return h, err
	}
	return h, nil
}

// sendCommand closes the cycle with AssignAddress for valid addresses and
// Retry otherwise.
func (c *Controller) sendCommand(addr protocol.Address) error {
	frame := []byte{byte(protocol.CmdRetry)}
	if addr.Valid() {
		frame = protocol.AssignFrame(addr)
	}

	err := c.bus.Transmit(protocol.Listener, frame)
	if err != nil {
		c.metrics.TransmitError(bus.StatusCode(err))
	}
	return err
}

// drain discards stale bytes left by an earlier short read.
func (c *Controller) drain() {
	if n := c.bus.Available(); n > 0 {
		_, _ = io.CopyN(io.Discard, c.bus, int64(n))
	}
}

func (c *Controller) reportAssignment(ctx context.Context, h protocol.Header, addr protocol.Address, rejoined bool) {
	c.metrics.SetRegistered(c.registry.Len())

	evt := device.EventDeviceRegistered
	msg := "Device registered"
	if rejoined {
		evt = device.EventDeviceRejoined
		msg = "Device rejoined"
	}

	log.Info().
		Uint32("uuid", h.UUID).
		Uint32("flags", h.Flags).
		Stringer("address", addr).
		Msg(msg)

	dev := toDevice(registry.Entry{Address: addr, Header: h})
	c.publishEvent(ctx, evt, &dev)
}

func (c *Controller) reportAllocationFailure(ctx context.Context, h protocol.Header, err error) {
	if errors.Is(err, registry.ErrFull) {
		log.Warn().Uint32("uuid", h.UUID).Int("capacity", c.registry.Cap()).Msg("Registry full, asking device to retry")
		c.publishEvent(ctx, device.EventRegistryFull, &device.Device{ID: device.FormatID(h.UUID), UUID: h.UUID, Flags: h.Flags})
		return
	}

	log.Warn().Err(err).Uint32("flags", h.Flags).Msg("Rejected identity, asking device to retry")
	c.publishEvent(ctx, device.EventIdentityRejected, nil)
}

func logProbeFailure(err error, attempts int) {
	// An unanswered address is the normal idle state of the bus.
	evt := log.Warn()
	if errors.Is(err, bus.ErrAddressNACK) {
		evt = log.Debug()
	}
	evt.Err(err).
		Uint8("status", bus.StatusCode(err)).
		Int("attempts", attempts).
		Msg("No subordinate awaiting discovery")
}

// publishEvent hands a discovery event to the journal, then offers it to
// subscribers. Subscribers with a full buffer miss the event.
func (c *Controller) publishEvent(ctx context.Context, typ string, dev *device.Device) {
	evt := device.DiscoveryEvent{Type: typ, Device: dev, Timestamp: time.Now()}

	if c.journal != nil {
		if err := c.journal.Handle(context.WithoutCancel(ctx), evt); err != nil {
			log.Error().Err(err).Str("event", typ).Msg("Failed to journal discovery event")
		}
	}

	c.subscribersMu.Lock()
	defer c.subscribersMu.Unlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- evt:
		default:
			c.metrics.EventDropped(typ)
			log.Warn().Str("event", typ).Msg("Subscriber buffer full, event dropped")
		}
	}
}

// --- device.Controller interface ---

func (c *Controller) ListDevices(_ context.Context) ([]device.Device, error) {
	entries := c.registry.Devices()
	devices := make([]device.Device, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, toDevice(e))
	}
	return devices, nil
}

// GetDevice looks a device up by bus address ("0x05" or "5") or by its
// 8-digit hex UUID ID. See ParseID.
func (c *Controller) GetDevice(_ context.Context, id string) (*device.Device, error) {
	addr, uuid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	if uuid != 0 {
		addr, err = c.registry.Find(uuid)
		if err != nil {
			return nil, device.ErrNotFound
		}
	}

	h, err := c.registry.Lookup(addr)
	if err != nil {
		return nil, device.ErrNotFound
	}

	dev := toDevice(registry.Entry{Address: addr, Header: h})
	return &dev, nil
}

// RemoveDevice is not part of the protocol: a slot is never reclaimed.
func (c *Controller) RemoveDevice(ctx context.Context, id string) error {
	if _, err := c.GetDevice(ctx, id); err != nil {
		return err
	}
	return device.ErrUnsupported
}

func (c *Controller) Poll(ctx context.Context) (device.PollResult, error) {
	return c.PollOnce(ctx)
}

func (c *Controller) Status(_ context.Context) (device.Status, error) {
	return device.Status{
		Registered: c.registry.Len(),
		Capacity:   c.registry.Cap(),
		Connected:  c.IsConnected(),
	}, nil
}

func (c *Controller) IsConnected() bool {
	return c.connected.Load()
}

func (c *Controller) Close() {
	if !c.connected.Swap(false) {
		return
	}

	if c.closer != nil {
		if err := c.closer.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close bus")
		}
	}

	log.Info().Msg("Bus controller closed")
}

// --- device.EventSubscriber interface ---

func (c *Controller) Subscribe() chan device.DiscoveryEvent {
	ch := make(chan device.DiscoveryEvent, 16)
	c.subscribersMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.subscribersMu.Unlock()
	return ch
}

func (c *Controller) Unsubscribe(ch chan device.DiscoveryEvent) {
	c.subscribersMu.Lock()
	defer c.subscribersMu.Unlock()

	for i, sub := range c.subscribers {
		if sub == ch {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// --- Helpers ---

// ParseID splits a device ID into an address or a UUID. Exactly one of the
// results is set. A 0x prefix always means a hex address, 8 unprefixed hex
// digits mean a UUID and anything else is a decimal address.
func ParseID(id string) (protocol.Address, uint32, error) {
	var (
		n   uint64
		err error
	)
	switch {
	case strings.HasPrefix(id, "0x") || strings.HasPrefix(id, "0X"):
		n, err = strconv.ParseUint(id[2:], 16, 8)
	case len(id) == 8:
		uuid, err := strconv.ParseUint(id, 16, 32)
		if err != nil || uuid == 0 {
			return 0, 0, fmt.Errorf("%w: %q", device.ErrInvalidID, id)
		}
		return 0, uint32(uuid), nil
	default:
		n, err = strconv.ParseUint(id, 10, 8)
	}
	if err != nil || !protocol.Address(n).Valid() {
		return 0, 0, fmt.Errorf("%w: %q", device.ErrInvalidID, id)
	}
	return protocol.Address(n), 0, nil
}

func toDevice(e registry.Entry) device.Device {
	return device.Device{
		ID:      device.FormatID(e.Header.UUID),
		Address: e.Address,
		UUID:    e.Header.UUID,
		Flags:   e.Header.Flags,
	}
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
