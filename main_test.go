package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-client-coap/board"
	"device-client-coap/cloud"
	"device-client-coap/config"
	"device-client-coap/lwm2m"
	"device-client-coap/netif"
	"device-client-coap/observability"
	"device-client-coap/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeKey(t *testing.T, dir string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(dir, "device.key")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600))
	return path
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	assert.Equal(t, "collision-monitor", cmd.Use)

	for _, name := range []string{"resources", "format"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("device-id"))
}

func TestResourcesGolden(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"resources"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "resources", stdout.Bytes())
}

func TestExecuteBadConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "resources"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "failed to read config file")
}

type upInterface struct{}

func (upInterface) Connect(context.Context) error { return nil }
func (upInterface) IPAddress() string             { return "10.0.0.2" }

func TestExecuteInitFailureExitsMinusOne(t *testing.T) {
	orig := newInterface
	newInterface = func(config.NetworkConfig) netif.Interface { return upInterface{} }
	t.Cleanup(func() { newInterface = orig })

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "device.yaml")
	body := fmt.Sprintf("device:\n  id: dev-1\n  key_path: %s\nstorage:\n  path: %s\n",
		filepath.Join(dir, "missing.key"), filepath.Join(dir, "device.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"--config", cfgPath}, &stdout, &stderr)
	assert.Equal(t, -1, code)
	assert.Contains(t, stderr.String(), "client initialization failed")
}

func TestResourcePathsUseIPSOObjects(t *testing.T) {
	assert.Equal(t, lwm2m.DigitalInput_3200, collisionCountPath.Object)
	assert.Equal(t, lwm2m.DigitalOutput_3201, ledStatePath.Object)
	assert.Equal(t, lwm2m.GenericSensor_3300, executeFunctionPath.Object)
	for _, p := range []lwm2m.Path{accelerometerXPath, accelerometerYPath, accelerometerZPath} {
		assert.Equal(t, lwm2m.Accelerometer_3313, p.Object)
	}
	assert.Equal(t, "3201/0/5853", ledStatePath.String())
	assert.Equal(t, "3313/0/5704", accelerometerZPath.String())
}

func TestFormatCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "device.db")
	cfgPath := filepath.Join(dir, "device.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("storage:\n  path: %s\n", dbPath)), 0o600))

	store, err := storage.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveIdentity(context.Background(), storage.Identity{DeviceID: "dev-1", KeyPEM: []byte("k")}))
	require.NoError(t, store.Close())

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, execute(context.Background(), []string{"--config", cfgPath, "format"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "Formatted")

	store, err = storage.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Identity(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotProvisioned)
}

func TestFormatOnButton(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.SaveIdentity(ctx, storage.Identity{DeviceID: "dev-1", KeyPEM: []byte("k")}))

	assert.False(t, formatOnButton(ctx, board.NewDigitalIn(1), store, discardLogger()))
	_, err := store.Identity(ctx)
	require.NoError(t, err)

	assert.True(t, formatOnButton(ctx, board.NewDigitalIn(board.ButtonPressedState), store, discardLogger()))
	_, err = store.Identity(ctx)
	assert.ErrorIs(t, err, storage.ErrNotProvisioned)
}

func TestResolveIdentity(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	keyPath := writeKey(t, t.TempDir())

	cfg := config.Default()
	_, err := resolveIdentity(ctx, cfg, store)
	assert.ErrorContains(t, err, "no device id")

	cfg.Device.ID = "dev-1"
	cfg.Device.KeyPath = keyPath
	id, err := resolveIdentity(ctx, cfg, store)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id.DeviceID)

	// later boots fall back to the stored identity
	cfg = config.Default()
	cfg.Device.KeyPath = filepath.Join(t.TempDir(), "gone.key")
	stored, err := resolveIdentity(ctx, cfg, store)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", stored.DeviceID)
	assert.Equal(t, id.KeyPEM, stored.KeyPEM)
}

func newTestApp(t *testing.T, store *storage.Store) (*App, *Board) {
	t.Helper()
	cfg := config.Default()
	cfg.Device.ID = "oob-352656108602296"
	cfg.Device.KeyPath = writeKey(t, t.TempDir())

	b, err := openBoard(cfg.Board, discardLogger())
	require.NoError(t, err)
	rec, err := observability.NewRecorder(nil)
	require.NoError(t, err)

	app, err := newApp(context.Background(), cfg, discardLogger(), store, b, rec)
	require.NoError(t, err)
	return app, b
}

func TestNewAppMissingKeyIsInitError(t *testing.T) {
	cfg := config.Default()
	cfg.Device.ID = "dev-1"
	cfg.Device.KeyPath = filepath.Join(t.TempDir(), "missing.key")
	b, err := openBoard(cfg.Board, discardLogger())
	require.NoError(t, err)
	rec, err := observability.NewRecorder(nil)
	require.NoError(t, err)

	_, err = newApp(context.Background(), cfg, discardLogger(), openStore(t), b, rec)
	assert.ErrorIs(t, err, cloud.ErrInit)
}

func TestAppRestoresLED(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.SaveValue(context.Background(), ledStatePath.String(), "1"))

	app, b := newTestApp(t, store)
	assert.Equal(t, 1, b.LED.Read())
	v, err := app.registry.Value(ledStatePath)
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestAppCollisionsAndSampling(t *testing.T) {
	ctx := context.Background()
	app, b := newTestApp(t, openStore(t))

	b.Collision.Fall(app.dispatcher.Event(app.hitCollision))
	for i := 0; i < 3; i++ {
		b.Collision.OnEdge(board.Fall)
	}
	b.Collision.OnEdge(board.Rise)
	_, err := app.dispatcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), app.hits)

	require.NoError(t, app.sampler.Tick(ctx))
	snaps, err := app.registry.Snapshot(collisionCountPath, accelerometerXPath, accelerometerYPath, accelerometerZPath)
	require.NoError(t, err)
	assert.Equal(t, "3", snaps[0].Value)
	// first simulated reading
	assert.Equal(t, []string{"0.00", "30.00", "90.00"}, []string{snaps[1].Value, snaps[2].Value, snaps[3].Value})
}

func TestAppLEDWritePersists(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	app, b := newTestApp(t, store)

	require.NoError(t, app.registry.Write(ledStatePath, "1"))
	assert.Equal(t, 0, b.LED.Read(), "write handler runs on dispatch")
	_, err := app.dispatcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.LED.Read())

	values, err := store.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", values[ledStatePath.String()])

	failedBefore := app.dispatcher.Failed()
	require.NoError(t, app.registry.Write(ledStatePath, "on"))
	_, err = app.dispatcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, failedBefore+1, app.dispatcher.Failed())
	assert.Equal(t, 1, b.LED.Read())
}

func TestAppExecuteInvoke(t *testing.T) {
	app, _ := newTestApp(t, openStore(t))
	require.NoError(t, app.registry.Invoke(executeFunctionPath, []byte{0xca, 0xfe}))
	_, err := app.dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, app.dispatcher.Failed())

	_, err = app.registry.Read(executeFunctionPath)
	assert.Error(t, err, "execute_function is POST only")
}
