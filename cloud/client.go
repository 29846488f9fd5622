// Package cloud connects the device to nRF Cloud over CoAP/DTLS. It
// authenticates with a signed device token, publishes observable resource
// changes as SenML CBOR and polls the desired state document, forwarding
// remote writes and invocations to the registry.
package cloud

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"device-client-coap/lwm2m"
	"device-client-coap/registry"
)

const (
	tracerName = "device-client-coap/cloud"

	pathAuth  = "/auth/jwt"
	pathState = "/state"
	pathRaw   = "/msg/d2c/raw"
)

var (
	ErrInit           = errors.New("client initialization failed")
	ErrNotInitialized = errors.New("client not initialized")
	ErrNotConnected   = errors.New("client not connected")
	ErrUnexpectedCode = errors.New("unexpected response code")
)

// Conn is the subset of a CoAP connection the client uses.
type Conn interface {
	Post(ctx context.Context, path string, contentFormat message.MediaType, payload io.ReadSeeker, opts ...message.Option) (*pool.Message, error)
	Get(ctx context.Context, path string, opts ...message.Option) (*pool.Message, error)
	Close() error
}

// Dialer opens a connection to host.
type Dialer func(ctx context.Context, host string) (Conn, error)

// DialDTLS connects over DTLS with connection IDs enabled. The server
// certificate is not verified; the device authenticates with its token.
func DialDTLS(_ context.Context, host string) (Conn, error) {
	co, err := dtls.Dial(host, &piondtls.Config{
		InsecureSkipVerify:    true,
		ConnectionIDGenerator: piondtls.OnlySendCIDGenerator(),
	})
	if err != nil {
		return nil, err
	}
	return co, nil
}

type Config struct {
	Host              string
	DeviceID          string
	KeyPEM            []byte
	TokenTTL          time.Duration
	RequestTimeout    time.Duration
	StatePollInterval time.Duration
}

// EndpointInfo describes a completed registration.
type EndpointInfo struct {
	Endpoint     string
	Host         string
	Resources    []lwm2m.Path
	RegisteredAt time.Time
}

type Client struct {
	cfg    Config
	reg    *registry.Registry
	poster registry.Poster
	dial   Dialer
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	key *ecdsa.PrivateKey

	mu           sync.Mutex
	conn         Conn
	resources    []lwm2m.Path
	onRegistered func(EndpointInfo)
	desired      desiredTracker
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracerProvider sets where request spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client publishing resources of reg. Callbacks are scheduled
// through p.
func New(cfg Config, reg *registry.Registry, p registry.Poster, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		reg:    reg,
		poster: p,
		dial:   DialDTLS,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init validates the configuration and loads the device key.
func (c *Client) Init() error {
	if c.cfg.DeviceID == "" {
		return fmt.Errorf("%w: device id must be set", ErrInit)
	}
	if c.cfg.Host == "" {
		return fmt.Errorf("%w: host must be set", ErrInit)
	}
	key, err := ParsePrivateKey(c.cfg.KeyPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
	return nil
}

// CreateResource registers a resource and exposes it to the cloud.
func (c *Client) CreateResource(path lwm2m.Path, name string, mode registry.Mode) (*registry.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return nil, ErrNotInitialized
	}
	res, err := c.reg.Create(path, name, mode)
	if err != nil {
		return nil, err
	}
	c.resources = append(c.resources, path)
	return res, nil
}

// OnRegistered sets the callback run on the dispatch context once the
// device has authenticated.
func (c *Client) OnRegistered(fn func(EndpointInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRegistered = fn
}

// Connected reports whether the client holds an authenticated connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// RegisterAndConnect dials, authenticates and then polls the desired state
// until ctx is done. It installs the client as the registry notifier.
func (c *Client) RegisterAndConnect(ctx context.Context) error {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key == nil {
		return ErrNotInitialized
	}

	conn, err := c.dial(ctx, c.cfg.Host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Host, err)
	}
	c.logger.Info("connected", slog.String("host", c.cfg.Host))

	if err := c.authenticate(ctx, conn, key); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	info := EndpointInfo{
		Endpoint:     c.cfg.DeviceID,
		Host:         c.cfg.Host,
		Resources:    append([]lwm2m.Path(nil), c.resources...),
		RegisteredAt: c.now(),
	}
	cb := c.onRegistered
	c.mu.Unlock()

	c.reg.SetNotifier(c)
	if cb != nil {
		if err := c.poster.Post(func(context.Context) error {
			cb(info)
			return nil
		}); err != nil {
			c.logger.Warn("failed to schedule registration callback", slog.Any("error", err))
		}
	}

	return c.pollState(ctx)
}

func (c *Client) authenticate(ctx context.Context, conn Conn, key *ecdsa.PrivateKey) error {
	token, err := NewToken(key, c.cfg.DeviceID, c.now(), c.cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = c.request(ctx, "POST", pathAuth, codes.Created, func(ctx context.Context) (*pool.Message, error) {
		return conn.Post(ctx, pathAuth, message.TextPlain, strings.NewReader(token))
	})
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	c.logger.Info("authenticated", slog.String("device_id", c.cfg.DeviceID))
	return nil
}

func (c *Client) pollState(ctx context.Context) error {
	if err := c.PollState(ctx); err != nil {
		c.logger.Warn("state poll failed", slog.Any("error", err))
	}
	if c.cfg.StatePollInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.cfg.StatePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.PollState(ctx); err != nil {
				c.logger.Warn("state poll failed", slog.Any("error", err))
			}
		}
	}
}

// PollState fetches the desired state once and applies it.
func (c *Client) PollState(ctx context.Context) error {
	conn := c.connection()
	if conn == nil {
		return ErrNotConnected
	}
	resp, err := c.request(ctx, "GET", pathState, codes.Content, func(ctx context.Context) (*pool.Message, error) {
		return conn.Get(ctx, pathState)
	})
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	data, err := readBody(resp)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	c.logger.Debug("state", slog.String("body", string(data)))
	state, err := ParseState(data)
	if err != nil {
		return err
	}
	c.apply(state)
	return nil
}

func (c *Client) apply(state State) {
	c.mu.Lock()
	writes, invokes := c.desired.diff(state)
	c.mu.Unlock()

	for _, w := range writes {
		if err := c.reg.Write(w.Path, w.Value); err != nil {
			c.logger.Warn("desired write rejected", slog.String("path", w.Path.String()), slog.Any("error", err))
			continue
		}
		c.mu.Lock()
		c.desired.applied(w)
		c.mu.Unlock()
	}
	for _, inv := range invokes {
		if err := c.reg.Invoke(inv.Path, inv.Payload); err != nil {
			c.logger.Warn("invoke rejected", slog.String("path", inv.Path.String()), slog.Any("error", err))
		}
	}
}

func (c *Client) connection() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// request runs one CoAP exchange under the request timeout inside a client
// span and checks the response code.
func (c *Client) request(ctx context.Context, method, path string, expected codes.Code, call func(context.Context) (*pool.Message, error)) (*pool.Message, error) {
	ctx, span := c.tracer.Start(ctx, "coap "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("coap.method", method),
			attribute.String("coap.path", path),
		),
	)
	defer span.End()

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	resp, err := call(ctx)
	if err == nil {
		span.SetAttributes(attribute.String("coap.code", resp.Code().String()))
		err = checkResponse(resp, expected)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(otelcodes.Ok, "")
	return resp, nil
}

// Close drops the connection. Later notifications report unsubscribed.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func checkResponse(resp *pool.Message, expected codes.Code) error {
	if resp.Code() != expected {
		return fmt.Errorf("%w: got %v, want %v", ErrUnexpectedCode, resp.Code(), expected)
	}
	return nil
}

func readBody(resp *pool.Message) ([]byte, error) {
	body := resp.Body()
	if body == nil {
		return nil, nil
	}
	return io.ReadAll(body)
}
