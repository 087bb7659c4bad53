package controller

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urmzd/licd/pkg/bus"
	"github.com/urmzd/licd/pkg/bus/sim"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/metrics"
	"github.com/urmzd/licd/pkg/protocol"
	"github.com/urmzd/licd/pkg/registry"
	"github.com/urmzd/licd/pkg/subordinate"
)

func fastConfig() protocol.Config {
	return protocol.Config{RetryCount: protocol.DefaultRetryCount}
}

func newController(t *testing.T, b bus.Bus, capacity int) *Controller {
	t.Helper()
	c, err := New(b, registry.New(capacity), fastConfig())
	require.NoError(t, err)
	c.readTimeout = 20 * time.Millisecond
	return c
}

func attach(t *testing.T, b *sim.Bus, uuid uint32) *subordinate.Subordinate {
	t.Helper()
	s, err := subordinate.New(b.Attach(), protocol.Header{UUID: uuid, Flags: uuid + 1}, nil, subordinate.WithSettleDelay(0))
	require.NoError(t, err)
	return s
}

// shortHandler answers identity reads with only part of a header.
type shortHandler struct {
	reply []byte
}

func (h shortHandler) OnReceive([]byte)      {}
func (h shortHandler) OnRequest(w io.Writer) { _, _ = w.Write(h.reply) }

// countingBus fails every transmission and counts them.
type countingBus struct {
	bus.Bus
	err       error
	transmits int
	requests  int
}

func (b *countingBus) Transmit(protocol.Address, []byte) error { b.transmits++; return b.err }
func (b *countingBus) RequestFrom(protocol.Address, int) int   { b.requests++; return 0 }
func (b *countingBus) Available() int                          { return 0 }

func TestPollOnce_AssignsAddress(t *testing.T) {
	b := sim.New()
	s := attach(t, b, 100)
	c := newController(t, b, 3)

	res, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, device.OutcomeAssigned, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, protocol.Base, res.Address)
	assert.Equal(t, protocol.CmdAssignAddress, res.Command)
	require.NotNil(t, res.Identity)
	assert.Equal(t, uint32(100), res.Identity.UUID)

	assert.Equal(t, protocol.Base, s.Address())
	assert.Equal(t, subordinate.StateAssigned, s.State())
	assert.Zero(t, b.Bound(protocol.Listener))

	last := b.Transfers()[len(b.Transfers())-1]
	assert.Equal(t, protocol.Listener, last.Addr)
	assert.Equal(t, protocol.AssignFrame(protocol.Base), last.Data)
}

func TestPollOnce_SequentialRegistrations(t *testing.T) {
	b := sim.New()
	subs := []*subordinate.Subordinate{attach(t, b, 100), attach(t, b, 200), attach(t, b, 300)}
	c := newController(t, b, 3)

	for i := range subs {
		res, err := c.PollOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, device.OutcomeAssigned, res.Outcome)
		assert.Equal(t, protocol.Base+protocol.Address(i), res.Address)
	}

	seen := map[protocol.Address]bool{}
	for _, s := range subs {
		assert.True(t, s.Assigned())
		assert.False(t, seen[s.Address()], "duplicate address %s", s.Address())
		seen[s.Address()] = true
	}

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, uint32(100), devices[0].UUID)
	assert.Equal(t, uint32(300), devices[2].UUID)

	// Bus is idle again.
	res, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, device.OutcomeIdle, res.Outcome)
}

func TestPollOnce_ProbeFailsAllAttempts(t *testing.T) {
	b := sim.New()
	c := newController(t, b, 3)

	res, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, device.OutcomeIdle, res.Outcome)
	assert.Equal(t, 5, res.Attempts)
	assert.Zero(t, res.Command)
	assert.Zero(t, c.registry.Len())

	transfers := b.Transfers()
	require.Len(t, transfers, 5)
	for _, tr := range transfers {
		assert.Equal(t, []byte{byte(protocol.CmdQueryIdentity)}, tr.Data)
		assert.ErrorIs(t, tr.Err, bus.ErrAddressNACK)
	}
}

func TestPollOnce_BoundedRetry(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"address nack", bus.ErrAddressNACK},
		{"data nack", bus.ErrDataNACK},
		{"too long", bus.ErrTooLong},
		{"other", bus.ErrOther},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := &countingBus{err: tc.err}
			c, err := New(b, registry.New(3), protocol.Config{RetryCount: 3})
			require.NoError(t, err)

			res, err := c.PollOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 3, b.transmits)
			assert.Zero(t, b.requests)
			assert.Equal(t, 3, res.Attempts)
		})
	}
}

func TestPollOnce_ShortIdentityRead(t *testing.T) {
	b := sim.New()
	require.NoError(t, b.Attach().Bind(protocol.Listener, shortHandler{reply: []byte{1, 2, 3, 4}}))
	c := newController(t, b, 3)

	res, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, device.OutcomeReadFailed, res.Outcome)
	assert.Nil(t, res.Identity)
	assert.Equal(t, protocol.CmdRetry, res.Command)
	assert.Zero(t, c.registry.Len())

	last := b.Transfers()[len(b.Transfers())-1]
	assert.Equal(t, []byte{byte(protocol.CmdRetry)}, last.Data)
}

func TestPollOnce_FullRegistrySendsRetry(t *testing.T) {
	b := sim.New()
	first := attach(t, b, 100)
	second := attach(t, b, 200)
	c := newController(t, b, 1)
	events := c.Subscribe()
	defer c.Unsubscribe(events)

	res, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, device.OutcomeAssigned, res.Outcome)
	assert.True(t, first.Assigned())

	for i := 0; i < 3; i++ {
		res, err = c.PollOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, device.OutcomeRetry, res.Outcome)
		assert.Equal(t, protocol.CmdRetry, res.Command)
		assert.False(t, second.Assigned())

		last := b.Transfers()[len(b.Transfers())-1]
		assert.Equal(t, []byte{byte(protocol.CmdRetry)}, last.Data)
	}

	assert.Equal(t, device.EventDeviceRegistered, (<-events).Type)
	assert.Equal(t, device.EventRegistryFull, (<-events).Type)
}

func TestPollOnce_RejectsZeroIdentity(t *testing.T) {
	b := sim.New()
	require.NoError(t, b.Attach().Bind(protocol.Listener, shortHandler{reply: make([]byte, protocol.HeaderSize)}))
	c := newController(t, b, 3)

	res, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, device.OutcomeRetry, res.Outcome)
	assert.Zero(t, c.registry.Len())
}

func TestPollOnce_Rejoin(t *testing.T) {
	b := sim.New()
	first := attach(t, b, 100)
	c := newController(t, b, 3)

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, protocol.Base, first.Address())

	// Same device resets and comes back to the discovery address.
	again := attach(t, b, 100)
	res, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
	assert.Equal(t, protocol.Base, again.Address())
	assert.Equal(t, 1, c.registry.Len())
}

func TestPollOnce_Cancelled(t *testing.T) {
	b := sim.New()
	attach(t, b, 100)
	c, err := New(b, registry.New(3), protocol.Config{RetryCount: 5, RetryDelay: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.PollOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.registry.Len())
}

func TestPollOnce_Metrics(t *testing.T) {
	b := sim.New()
	m := metrics.New()
	c, err := New(b, registry.New(3), fastConfig(), WithMetrics(m))
	require.NoError(t, err)

	_, err = c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Polls.WithLabelValues(string(device.OutcomeIdle))))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.ProbeAttempts))
}

func TestGetDevice(t *testing.T) {
	b := sim.New()
	attach(t, b, 0xABCD)
	c := newController(t, b, 3)
	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	for _, id := range []string{"0x02", "0X2", "0x000002", "2", "0000abcd"} {
		d, err := c.GetDevice(context.Background(), id)
		require.NoError(t, err, id)
		assert.Equal(t, uint32(0xABCD), d.UUID)
		assert.Equal(t, protocol.Base, d.Address)
	}

	_, err = c.GetDevice(context.Background(), "0x03")
	assert.ErrorIs(t, err, device.ErrNotFound)
	_, err = c.GetDevice(context.Background(), "0x01")
	assert.ErrorIs(t, err, device.ErrInvalidID)
	_, err = c.GetDevice(context.Background(), "bogus")
	assert.ErrorIs(t, err, device.ErrInvalidID)
	_, err = c.GetDevice(context.Background(), "0x")
	assert.ErrorIs(t, err, device.ErrInvalidID)
	// Unprefixed 8 digits are a UUID, never an address.
	_, err = c.GetDevice(context.Background(), "00000002")
	assert.ErrorIs(t, err, device.ErrNotFound)

	assert.ErrorIs(t, c.RemoveDevice(context.Background(), "0x02"), device.ErrUnsupported)
}

func TestRun_StopsOnCancel(t *testing.T) {
	b := sim.New()
	s := attach(t, b, 100)
	c := newController(t, b, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Run(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.Assigned())
}

func TestStatusAndClose(t *testing.T) {
	c := newController(t, sim.New(), 7)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, device.Status{Registered: 0, Capacity: 7, Connected: true}, st)

	c.Close()
	c.Close()
	assert.False(t, c.IsConnected())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(sim.New(), registry.New(1), protocol.Config{})
	assert.ErrorIs(t, err, protocol.ErrInvalidConfig)
}

func TestReconfigure(t *testing.T) {
	b := &countingBus{err: bus.ErrAddressNACK}
	c, err := New(b, registry.New(3), fastConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, c.Reconfigure(protocol.Config{}), protocol.ErrInvalidConfig)
	assert.Equal(t, fastConfig(), c.Config())

	require.NoError(t, c.Reconfigure(protocol.Config{RetryCount: 2}))
	res, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, b.transmits)
}

func TestParseID(t *testing.T) {
	tests := []struct {
		id   string
		addr protocol.Address
		uuid uint32
	}{
		{"0x05", 0x05, 0},
		{"0x00007f", 0x7F, 0},
		{"5", 0x05, 0},
		{"010", 0x0A, 0},
		{"00000010", 0, 0x10},
		{"DEADBEEF", 0, 0xDEADBEEF},
	}
	for _, tt := range tests {
		addr, uuid, err := ParseID(tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.addr, addr, tt.id)
		assert.Equal(t, tt.uuid, uuid, tt.id)
	}

	for _, id := range []string{"", "0x", "0x80", "0x01", "128", "00000000", "0xzz"} {
		_, _, err := ParseID(id)
		assert.ErrorIs(t, err, device.ErrInvalidID, id)
	}
}

func TestPollOnce_AfterClose(t *testing.T) {
	b := sim.New()
	s := attach(t, b, 100)
	c := newController(t, b, 3)
	c.Close()

	res, err := c.PollOnce(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.Zero(t, res.Attempts)
	assert.Empty(t, b.Transfers())
	assert.False(t, s.Assigned())
}

// recordingJournal keeps every event it is handed.
type recordingJournal struct {
	mu     sync.Mutex
	events []device.DiscoveryEvent
}

func (j *recordingJournal) Handle(_ context.Context, evt device.DiscoveryEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evt)
	return nil
}

func TestPublishEvent_JournalSeesEveryEventWhenSubscriberStalls(t *testing.T) {
	const n = 20

	b := sim.New()
	for i := range n {
		attach(t, b, uint32(1000+i))
	}

	journal := &recordingJournal{}
	m := metrics.New()
	c, err := New(b, registry.New(n), fastConfig(), WithMetrics(m), WithJournal(journal))
	require.NoError(t, err)
	c.readTimeout = 20 * time.Millisecond

	// Never drained.
	stalled := c.Subscribe()
	defer c.Unsubscribe(stalled)

	for range n {
		res, err := c.PollOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, device.OutcomeAssigned, res.Outcome)
	}

	require.Len(t, journal.events, n)
	for i, evt := range journal.events {
		require.NotNil(t, evt.Device)
		assert.Equal(t, uint32(1000+i), evt.Device.UUID)
	}

	assert.Len(t, stalled, cap(stalled))
	dropped := testutil.ToFloat64(m.EventsDropped.WithLabelValues(device.EventDeviceRegistered))
	assert.Equal(t, float64(n-cap(stalled)), dropped)
}
