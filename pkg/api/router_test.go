package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urmzd/licd/pkg/api/types"
	"github.com/urmzd/licd/pkg/bus/sim"
	"github.com/urmzd/licd/pkg/controller"
	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/metrics"
	"github.com/urmzd/licd/pkg/notify"
	"github.com/urmzd/licd/pkg/protocol"
	"github.com/urmzd/licd/pkg/registry"
	"github.com/urmzd/licd/pkg/settings"
	"github.com/urmzd/licd/pkg/subordinate"
)

type testEnv struct {
	router     *Router
	controller *controller.Controller
	bus        *sim.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(filepath.Join(t.TempDir(), "licd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Bootstrap(ctx))
	cfg, err := store.ActiveConfig(ctx)
	require.NoError(t, err)

	b := sim.New()
	m := metrics.New()
	history := notify.NewHistory(store.Registrations(), cfg.Profile.ID)
	c, err := controller.New(b, registry.New(3), protocol.Config{RetryCount: 2},
		controller.WithMetrics(m), controller.WithJournal(history))
	require.NoError(t, err)

	svc := settings.New(store.BusSettings(), cfg.Profile.ID, c)
	return &testEnv{
		router:     NewRouter(c, c, svc, history, nil, m.Handler()),
		controller: c,
		bus:        b,
	}
}

func (e *testEnv) attach(t *testing.T, uuid uint32) {
	t.Helper()
	_, err := subordinate.New(e.bus.Attach(), protocol.Header{UUID: uuid, Flags: 7}, nil, subordinate.WithSettleDelay(0))
	require.NoError(t, err)
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		w := env.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[types.HealthResponse](t, w)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, 3, resp.Capacity)
	}
}

func TestHealth_NullController(t *testing.T) {
	r := NewRouter(device.NewNullController(), device.NewNullEventSubscriber(), nil, nil, nil, nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode[types.HealthResponse](t, w).Status)
}

func TestPollAndDevices(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/discovery/poll", "")
	require.Equal(t, http.StatusOK, w.Code)
	idle := decode[types.PollResponse](t, w)
	assert.Equal(t, "idle", idle.Outcome)
	assert.Equal(t, 2, idle.Attempts)
	assert.Nil(t, idle.Device)

	env.attach(t, 0x1234)
	w = env.do(http.MethodPost, "/api/v1/discovery/poll", "")
	require.Equal(t, http.StatusOK, w.Code)
	assigned := decode[types.PollResponse](t, w)
	assert.Equal(t, "assigned", assigned.Outcome)
	assert.Equal(t, "assign_address", assigned.Command)
	require.NotNil(t, assigned.Device)
	assert.Equal(t, "0x02", assigned.Device.Address)

	w = env.do(http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[types.ListDevicesResponse](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "00001234", list.Devices[0].ID)
	assert.Equal(t, uint32(7), list.Devices[0].Flags)

	for _, id := range []string{"0x02", "00001234"} {
		w = env.do(http.MethodGet, "/api/v1/devices/"+id, "")
		require.Equal(t, http.StatusOK, w.Code, id)
		assert.Equal(t, uint32(0x1234), decode[types.DeviceResponse](t, w).Device.UUID)
	}
}

func TestDiscoveryHistory(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/discovery/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[types.HistoryResponse](t, w).Count)

	env.attach(t, 0x10)
	env.attach(t, 0x20)
	for range 2 {
		w = env.do(http.MethodPost, "/api/v1/discovery/poll", "")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w = env.do(http.MethodGet, "/api/v1/discovery/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[types.HistoryResponse](t, w)
	require.Equal(t, 2, hist.Count)
	assert.Equal(t, "00000020", hist.Entries[0].DeviceID)
	assert.Equal(t, "0x03", hist.Entries[0].Address)
	assert.Equal(t, device.EventDeviceRegistered, hist.Entries[1].Event)
	assert.Equal(t, "0x02", hist.Entries[1].Address)

	w = env.do(http.MethodGet, "/api/v1/discovery/history?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[types.HistoryResponse](t, w).Count)

	for _, q := range []string{"0", "x", "1001"} {
		w = env.do(http.MethodGet, "/api/v1/discovery/history?limit="+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestPoll_ClosedController(t *testing.T) {
	env := newTestEnv(t)
	env.controller.Close()

	w := env.do(http.MethodPost, "/api/v1/discovery/poll", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "controller_disconnected", decode[types.ErrorResponse](t, w).Error)
}

func TestHistory_NotRegisteredWithoutStore(t *testing.T) {
	r := NewRouter(device.NewNullController(), device.NewNullEventSubscriber(), nil, nil, nil, nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/discovery/history", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeviceErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		method string
		path   string
		code   int
		errKey string
	}{
		{http.MethodGet, "/api/v1/devices/0x05", http.StatusNotFound, "not_found"},
		{http.MethodGet, "/api/v1/devices/0x01", http.StatusBadRequest, "invalid_id"},
		{http.MethodGet, "/api/v1/devices/nope", http.StatusBadRequest, "invalid_id"},
		{http.MethodDelete, "/api/v1/devices/0x02", http.StatusNotImplemented, "unsupported"},
	}
	for _, tt := range tests {
		w := env.do(tt.method, tt.path, "")
		assert.Equal(t, tt.code, w.Code, tt.path)
		assert.Equal(t, tt.errKey, decode[types.ErrorResponse](t, w).Error, tt.path)
	}
}

func TestPoll_NullController(t *testing.T) {
	r := NewRouter(device.NewNullController(), device.NewNullEventSubscriber(), nil, nil, nil, nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/discovery/poll", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBusSettings(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/bus/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, decode[types.BusSettingsResponse](t, w).RetryCount)

	w = env.do(http.MethodPatch, "/api/v1/bus/settings", `{"retry_count": 3, "poll_interval_ms": 200}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[types.BusSettingsResponse](t, w)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 200, got.PollIntervalMS)

	assert.Equal(t, 3, env.controller.Config().RetryCount)
	assert.Equal(t, 200*time.Millisecond, env.controller.PollInterval())
}

func TestBusSettings_Invalid(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{`{"retry_count": 0}`, `{"capacity": 4}`, `{}`, `not json`} {
		w := env.do(http.MethodPatch, "/api/v1/bus/settings", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Equal(t, 2, env.controller.Config().RetryCount)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/api/v1/discovery/poll", "")

	w := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "licd_discovery_polls_total")
}

// cannedSubscriber hands out a channel preloaded with events.
type cannedSubscriber struct {
	events []device.DiscoveryEvent
}

func (s cannedSubscriber) Subscribe() chan device.DiscoveryEvent {
	ch := make(chan device.DiscoveryEvent, len(s.events))
	for _, e := range s.events {
		ch <- e
	}
	return ch
}

func (s cannedSubscriber) Unsubscribe(chan device.DiscoveryEvent) {}

func TestDiscoveryEvents(t *testing.T) {
	sub := cannedSubscriber{events: []device.DiscoveryEvent{{
		Type:      device.EventDeviceRegistered,
		Device:    &device.Device{ID: "0000002a", Address: protocol.Base, UUID: 42},
		Timestamp: time.Now(),
	}}}
	r := NewRouter(device.NewNullController(), sub, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/discovery/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: connected\n")
	assert.Contains(t, body, "event: device_registered\n")
	assert.Contains(t, body, `"address":"0x02"`)
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	w = httptest.NewRecorder()
	env.router.Handler().ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))
}
