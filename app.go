package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"device-client-coap/board"
	"device-client-coap/cloud"
	"device-client-coap/config"
	"device-client-coap/eventqueue"
	"device-client-coap/lwm2m"
	"device-client-coap/netif"
	"device-client-coap/observability"
	"device-client-coap/registry"
	"device-client-coap/sampler"
	"device-client-coap/storage"
)

// Board is the set of pins and sensors the application drives.
type Board struct {
	Button    *board.DigitalIn
	LED       *board.DigitalOut
	Collision *board.InterruptIn
	Accel     board.Accelerometer

	bridge *board.SerialBridge
}

func openBoard(cfg config.BoardConfig, logger *slog.Logger) (*Board, error) {
	button := 1
	if cfg.ButtonPressed {
		button = board.ButtonPressedState
	}
	b := &Board{
		Button:    board.NewDigitalIn(button),
		LED:       board.NewDigitalOut(0),
		Collision: board.NewInterruptIn("collision"),
	}
	switch cfg.Mode {
	case config.BoardSerial:
		bridge, err := board.OpenSerialBridge(cfg.Serial.Port, cfg.Serial.PortOptions, b.Collision, logger)
		if err != nil {
			return nil, err
		}
		b.bridge = bridge
		b.Accel = bridge
	default:
		b.Accel = &board.SimulatedAccelerometer{}
	}
	return b, nil
}

func (b *Board) Close() error {
	if b.bridge != nil {
		return b.bridge.Close()
	}
	return nil
}

// App connects the board to the cloud. hits is only touched on the dispatch
// context.
type App struct {
	logger     *slog.Logger
	dispatcher *eventqueue.Dispatcher
	registry   *registry.Registry
	client     *cloud.Client
	store      *storage.Store
	board      *Board
	sampler    *sampler.Sampler

	hits int64
}

// newInterface opens the network link the device reports through.
var newInterface = func(cfg config.NetworkConfig) netif.Interface {
	return netif.NewSystem(cfg.ProbeHost)
}

// run is the boot sequence. It returns when ctx is cancelled, or with an
// error wrapping cloud.ErrInit when the client cannot start.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting collision monitor")

	provider, reader := observability.NewMeterProvider()
	defer func() {
		if err := observability.LogMetrics(context.Background(), reader, logger); err != nil {
			logger.Warn("failed to collect metrics", slog.Any("error", err))
		}
		_ = provider.Shutdown(context.Background())
	}()
	recorder, err := observability.NewRecorder(provider)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	b, err := openBoard(cfg.Board, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	formatOnButton(ctx, b.Button, store, logger)

	logger.Info("connecting to the network")
	iface := newInterface(cfg.Network)
	if err := netif.ConnectWithRetry(ctx, iface, cfg.Network.RetryInterval, logger); err != nil {
		return err
	}
	logger.Info("connected to the network", slog.String("ip", iface.IPAddress()))

	app, err := newApp(ctx, cfg, logger, store, b, recorder)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// formatOnButton erases storage when the user button is held at boot. A
// failed format is reported and boot continues.
func formatOnButton(ctx context.Context, button *board.DigitalIn, store *storage.Store, logger *slog.Logger) bool {
	if button.Read() != board.ButtonPressedState {
		logger.Info("hold the user button during boot to format the storage and change the device identity")
		return false
	}
	logger.Info("user button is pushed on start, formatting the storage")
	if err := store.Format(ctx); err != nil {
		logger.Error("failed to reformat the storage", slog.Any("error", err))
		return false
	}
	return true
}

// resolveIdentity picks the device id and key. The configured id wins over
// the stored one; a readable key file wins over the stored key and is saved
// for later boots.
func resolveIdentity(ctx context.Context, cfg *config.Config, store *storage.Store) (storage.Identity, error) {
	stored, err := store.Identity(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotProvisioned) {
		return storage.Identity{}, err
	}
	if cfg.Device.ID == "" {
		if stored.DeviceID == "" {
			return storage.Identity{}, errors.New("no device id configured or provisioned")
		}
		cfg.Device.ID = stored.DeviceID
	}

	keyPEM, err := os.ReadFile(cfg.KeyPath())
	if err != nil {
		if stored.DeviceID == cfg.Device.ID && len(stored.KeyPEM) > 0 {
			return stored, nil
		}
		return storage.Identity{}, fmt.Errorf("failed to load private key: %w", err)
	}
	id := storage.Identity{DeviceID: cfg.Device.ID, EndpointName: cfg.Device.ID, KeyPEM: keyPEM}
	if stored.DeviceID != id.DeviceID || string(stored.KeyPEM) != string(keyPEM) {
		if err := store.SaveIdentity(ctx, id); err != nil {
			return storage.Identity{}, err
		}
	}
	return id, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store, b *Board, rec *observability.Recorder, opts ...cloud.Option) (*App, error) {
	d := eventqueue.New(
		eventqueue.WithCapacity(cfg.Queue.Capacity),
		eventqueue.WithLogger(logger),
		eventqueue.WithMetrics(rec),
	)
	reg := registry.New(d, registry.WithLogger(logger), registry.WithMetrics(rec))

	logger.Info("initializing device management client")
	id, err := resolveIdentity(ctx, cfg, store)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cloud.ErrInit, err)
	}
	logger.Info("device identity", slog.String("device_id", id.DeviceID))

	client := cloud.New(cloud.Config{
		Host:              cfg.Cloud.Host,
		DeviceID:          id.DeviceID,
		KeyPEM:            id.KeyPEM,
		TokenTTL:          cfg.Cloud.TokenTTL,
		RequestTimeout:    cfg.Cloud.RequestTimeout,
		StatePollInterval: cfg.Cloud.StatePollInterval,
	}, reg, d, append([]cloud.Option{cloud.WithLogger(logger)}, opts...)...)
	if err := client.Init(); err != nil {
		return nil, err
	}

	a := &App{
		logger:     logger,
		dispatcher: d,
		registry:   reg,
		client:     client,
		store:      store,
		board:      b,
	}
	if err := a.createResources(ctx); err != nil {
		return nil, err
	}
	a.sampler = sampler.New(d, reg, cfg.Sampler.Period, logger,
		sampler.SourceFunc(a.sampleTilt),
		sampler.SourceFunc(a.sampleHits),
	)
	client.OnRegistered(a.registered)
	logger.Info("initialized device management client, registering")
	return a, nil
}

// createResources registers the device resources, restores the persisted LED
// state and attaches the handlers.
func (a *App) createResources(ctx context.Context) error {
	values, err := a.store.Values(ctx)
	if err != nil {
		return err
	}
	if v, ok := values[ledStatePath.String()]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			a.board.LED.Write(n)
		}
	}

	initial, err := declareResources(a.client.CreateResource, a.board.LED.Read())
	if err != nil {
		return err
	}
	if err := a.registry.SetValues(initial); err != nil {
		return err
	}

	if err := a.registry.AttachNotifyHandler(collisionCountPath, registry.NotifyFunc(a.collisionNotified)); err != nil {
		return err
	}
	if err := a.registry.AttachWriteHandler(ledStatePath, registry.WriteFunc(a.ledWritten)); err != nil {
		return err
	}
	return a.registry.AttachInvokeHandler(executeFunctionPath, registry.InvokeFunc(a.executeInvoked))
}

// Run registers with the cloud and dispatches events until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.dispatcher.DispatchForever(gctx)
	})
	g.Go(func() error {
		if err := a.client.RegisterAndConnect(gctx); err != nil {
			a.logger.Error("registration failed", slog.Any("error", err))
		}
		return nil
	})
	if a.board.bridge != nil {
		g.Go(func() error {
			return a.board.bridge.Monitor(gctx)
		})
	} else {
		g.Go(func() error {
			simulateCollisions(gctx, a.board.Collision, a.logger)
			return nil
		})
	}

	a.board.Collision.Fall(a.dispatcher.Event(a.hitCollision))
	if err := a.sampler.Start(); err != nil {
		return err
	}

	err := g.Wait()
	a.sampler.Stop()
	if cerr := a.client.Close(); cerr != nil {
		a.logger.Warn("failed to close client", slog.Any("error", cerr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// simulateCollisions turns SIGUSR1 into a falling edge on the collision
// input.
func simulateCollisions(ctx context.Context, collision *board.InterruptIn, logger *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	logger.Info("simulated board, send SIGUSR1 to trigger a collision", slog.Int("pid", os.Getpid()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			collision.OnEdge(board.Fall)
		}
	}
}

func (a *App) hitCollision(context.Context) error {
	a.hits++
	return nil
}

func (a *App) sampleTilt(ctx context.Context) ([]registry.Update, error) {
	t, err := a.board.Accel.ReadTilt(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Info("tilt",
		slog.String("x", lwm2m.FormatFloat(t.X)),
		slog.String("y", lwm2m.FormatFloat(t.Y)),
		slog.String("z", lwm2m.FormatFloat(t.Z)),
	)
	return []registry.Update{
		{Path: accelerometerXPath, Value: lwm2m.FormatFloat(t.X)},
		{Path: accelerometerYPath, Value: lwm2m.FormatFloat(t.Y)},
		{Path: accelerometerZPath, Value: lwm2m.FormatFloat(t.Z)},
	}, nil
}

func (a *App) sampleHits(context.Context) ([]registry.Update, error) {
	a.logger.Info("collision hits", slog.Int64("times", a.hits))
	return []registry.Update{{Path: collisionCountPath, Value: lwm2m.FormatInt(a.hits)}}, nil
}

func (a *App) ledWritten(ctx context.Context, r *registry.Resource, value string) error {
	a.logger.Info("PUT received", slog.String("path", r.Path().String()), slog.String("value", value))
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("led_state: %w", err)
	}
	a.board.LED.Write(n)
	return a.store.SaveValue(ctx, r.Path().String(), value)
}

func (a *App) executeInvoked(_ context.Context, r *registry.Resource, payload []byte) error {
	a.logger.Info("POST received",
		slog.String("path", r.Path().String()),
		slog.Int("length", len(payload)),
		slog.String("payload", hex.EncodeToString(payload)),
	)
	return nil
}

func (a *App) collisionNotified(_ context.Context, r *registry.Resource, status lwm2m.DeliveryStatus) {
	a.logger.Info("collision notification",
		slog.String("status", status.String()),
		slog.Int("code", int(status)),
	)
}

func (a *App) registered(info cloud.EndpointInfo) {
	a.logger.Info("registered to nRF Cloud",
		slog.String("endpoint", info.Endpoint),
		slog.String("host", info.Host),
		slog.Int("resources", len(info.Resources)),
	)
}
