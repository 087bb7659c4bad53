package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/metrics"
	"github.com/urmzd/licd/pkg/notify"
)

func TestOpenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licd.db")

	database, cfg, err := OpenStore(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Profile.Name)
	require.NoError(t, database.Close())

	// Second open finds the seeded profile.
	database, cfg, err = OpenStore(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = database.Close() }()
	assert.Equal(t, 5, cfg.BusSettings().RetryCount)
}

func TestOpenController_NoBus(t *testing.T) {
	_, err := OpenController(db.DefaultBusSettings(), BusOptions{}, nil)
	assert.ErrorIs(t, err, ErrNoBus)
}

func TestOpenController_Simulated(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "bus.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("devices:\n  - name: a\n    uuid: 17\n  - name: b\n    uuid: 18\n"), 0o600))

	settings := db.DefaultBusSettings()
	settings.Capacity = 4
	settings.RetryDelayMS = 0
	settings.WaitDelayMS = 0

	c, err := OpenController(settings, BusOptions{Manifest: manifest}, metrics.New())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	res, err := c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, device.OutcomeAssigned, res.Outcome)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Registered)
	assert.Equal(t, 4, st.Capacity)
}

func TestSelectProfile(t *testing.T) {
	ctx := context.Background()
	database, cfg, err := OpenStore(ctx, filepath.Join(t.TempDir(), "licd.db"))
	require.NoError(t, err)
	defer func() { _ = database.Close() }()
	defaultID := cfg.Profile.ID

	// Empty name keeps the active profile.
	cfg, err = SelectProfile(ctx, database, "")
	require.NoError(t, err)
	assert.Equal(t, defaultID, cfg.Profile.ID)

	cfg, err = SelectProfile(ctx, database, "bench")
	require.NoError(t, err)
	assert.Equal(t, "bench", cfg.Profile.Name)
	assert.NotEqual(t, defaultID, cfg.Profile.ID)
	require.NotNil(t, cfg.Bus)
	assert.Equal(t, db.DefaultBusSettings().RetryCount, cfg.Bus.RetryCount)
	benchID := cfg.Profile.ID

	// Selecting again reuses the profile.
	cfg, err = SelectProfile(ctx, database, "bench")
	require.NoError(t, err)
	assert.Equal(t, benchID, cfg.Profile.ID)

	cfg, err = SelectProfile(ctx, database, "default")
	require.NoError(t, err)
	assert.Equal(t, defaultID, cfg.Profile.ID)

	profiles, err := database.Profiles().List(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
}

func TestOpenController_Journal(t *testing.T) {
	ctx := context.Background()
	database, cfg, err := OpenStore(ctx, filepath.Join(t.TempDir(), "licd.db"))
	require.NoError(t, err)
	defer func() { _ = database.Close() }()

	manifest := filepath.Join(t.TempDir(), "bus.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("devices:\n  - name: a\n    uuid: 17\n"), 0o600))

	settings := db.DefaultBusSettings()
	settings.RetryDelayMS = 0
	settings.WaitDelayMS = 0

	history := notify.NewHistory(database.Registrations(), cfg.Profile.ID)
	c, err := OpenController(settings, BusOptions{Manifest: manifest, Journal: history}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.PollOnce(ctx)
	require.NoError(t, err)

	rows, err := history.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, device.EventDeviceRegistered, rows[0].Event)
	assert.Equal(t, uint32(17), rows[0].UUID)
}
