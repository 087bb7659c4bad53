package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/protocol"
)

// doneToken is an already completed paho token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []published
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic, qos, payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func registered(uuid uint32, addr protocol.Address) device.DiscoveryEvent {
	return device.DiscoveryEvent{
		Type:      device.EventDeviceRegistered,
		Device:    &device.Device{ID: device.FormatID(uuid), Address: addr, UUID: uuid, Flags: 3},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPublisher_Handle(t *testing.T) {
	client := &fakeClient{}
	p := newPublisher(client, "", 1)

	require.NoError(t, p.Handle(context.Background(), registered(0x2A, protocol.Base)))
	require.NoError(t, p.Handle(context.Background(), device.DiscoveryEvent{Type: device.EventRegistryFull}))

	require.Len(t, client.messages, 2)
	assert.Equal(t, "licd/events/device_registered", client.messages[0].topic)
	assert.Equal(t, byte(1), client.messages[0].qos)
	assert.Equal(t, "licd/events/registry_full", client.messages[1].topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(client.messages[0].payload, &body))
	assert.Equal(t, "0000002a", body["id"])
	assert.Equal(t, "0x02", body["address"])
	assert.Equal(t, float64(42), body["uuid"])

	require.NoError(t, json.Unmarshal(client.messages[1].payload, &body))
	assert.NotContains(t, body, "id")

	p.Close()
	assert.True(t, client.disconnected)
}

func TestPublisher_Error(t *testing.T) {
	client := &fakeClient{err: errors.New("broker gone")}
	p := newPublisher(client, "bench", 7)
	assert.Equal(t, "bench/events/x", p.Topic("x"))
	assert.Error(t, p.Handle(context.Background(), registered(1, protocol.Base)))
	assert.Equal(t, byte(2), client.messages[0].qos)
}

func TestHistory_Handle(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(filepath.Join(t.TempDir(), "licd.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Bootstrap(ctx))
	cfg, err := store.ActiveConfig(ctx)
	require.NoError(t, err)

	h := NewHistory(store.Registrations(), cfg.Profile.ID)
	require.NoError(t, h.Handle(ctx, registered(0x2A, protocol.Base+1)))

	regs, err := store.Registrations().List(ctx, cfg.Profile.ID, 10)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, device.EventDeviceRegistered, regs[0].Event)
	assert.Equal(t, uint8(3), regs[0].Address)
	assert.Equal(t, uint32(0x2A), regs[0].UUID)
}

func TestForward(t *testing.T) {
	events := make(chan device.DiscoveryEvent, 3)
	events <- registered(1, protocol.Base)
	events <- registered(2, protocol.Base+1)
	close(events)

	var mu sync.Mutex
	var got []uint32
	failing := SinkFunc(func(context.Context, device.DiscoveryEvent) error { return errors.New("down") })
	recording := SinkFunc(func(_ context.Context, evt device.DiscoveryEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Device.UUID)
		return nil
	})

	Forward(context.Background(), events, failing, recording)
	assert.Equal(t, []uint32{1, 2}, got)
}

func TestForward_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		Forward(ctx, make(chan device.DiscoveryEvent))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after cancel")
	}
}
