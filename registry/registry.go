// Package registry holds the device's named resource values and routes remote
// reads, writes and invocations to handlers running on the dispatch context.
//
// Every mutation that has a visible side effect (handler calls, change
// notifications) is scheduled through a Poster instead of performed inline,
// so handlers never race with sampling or interrupt-driven work.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"device-client-coap/eventqueue"
	"device-client-coap/lwm2m"
)

var (
	ErrDuplicate        = errors.New("resource already registered")
	ErrNotFound         = errors.New("resource not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// Poster schedules a task on the dispatch context.
type Poster interface {
	Post(task eventqueue.Task) error
}

// Notifier delivers value changes of observable resources to subscribers.
type Notifier interface {
	Notify(ctx context.Context, changes []Snapshot) lwm2m.DeliveryStatus
}

// Metrics receives notification outcomes.
type Metrics interface {
	NotificationDelivered(ctx context.Context, status lwm2m.DeliveryStatus, resources int)
}

// Mode describes how a resource may be accessed.
type Mode struct {
	Methods    lwm2m.Method
	Type       lwm2m.ValueType
	Observable bool
}

// Update is a new value for one resource.
type Update struct {
	Path  lwm2m.Path
	Value string
}

// Snapshot is a copy of a resource's state at one instant.
type Snapshot struct {
	Path  lwm2m.Path
	Name  string
	Mode  Mode
	Value string
}

type Registry struct {
	poster  Poster
	logger  *slog.Logger
	metrics Metrics

	mu       sync.RWMutex
	slots    map[lwm2m.Path]*Resource
	notifier Notifier
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(p Poster, opts ...Option) *Registry {
	r := &Registry{
		poster: p,
		logger: slog.Default(),
		slots:  make(map[lwm2m.Path]*Resource),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new resource. Registering an existing path fails with
// ErrDuplicate and leaves the existing resource untouched.
func (r *Registry) Create(path lwm2m.Path, name string, mode Mode) (*Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.slots[path]; ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrDuplicate, path, existing.name)
	}
	res := &Resource{reg: r, path: path, name: name, mode: mode}
	r.slots[path] = res
	return res, nil
}

// Lookup returns the resource registered at path.
func (r *Registry) Lookup(path lwm2m.Path) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(path)
}

func (r *Registry) lookupLocked(path lwm2m.Path) (*Resource, error) {
	res, ok := r.slots[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return res, nil
}

// SetNotifier installs the sink for change notifications. Until one is set
// notifications complete with StatusUnsubscribed.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// SetValue overwrites a single resource value.
func (r *Registry) SetValue(path lwm2m.Path, value string) error {
	return r.SetValues([]Update{{Path: path, Value: value}})
}

// SetValues applies all updates under one lock, so readers observe either
// none or all of them. Observable resources whose value changed are reported
// in a single notification event.
func (r *Registry) SetValues(updates []Update) error {
	r.mu.Lock()
	for _, u := range updates {
		if _, err := r.lookupLocked(u.Path); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	var changed []*Resource
	for _, u := range updates {
		res := r.slots[u.Path]
		if res.value == u.Value {
			continue
		}
		res.value = u.Value
		if res.mode.Observable {
			changed = append(changed, res)
		}
	}
	var snaps []Snapshot
	for _, res := range changed {
		snaps = append(snaps, res.snapshotLocked())
	}
	r.mu.Unlock()

	if len(snaps) > 0 {
		r.scheduleNotify(changed, snaps)
	}
	return nil
}

func (r *Registry) scheduleNotify(changed []*Resource, snaps []Snapshot) {
	err := r.poster.Post(func(ctx context.Context) error {
		r.mu.RLock()
		n := r.notifier
		r.mu.RUnlock()

		status := lwm2m.StatusUnsubscribed
		if n != nil {
			status = n.Notify(ctx, snaps)
		}
		if r.metrics != nil {
			r.metrics.NotificationDelivered(ctx, status, len(snaps))
		}
		for _, res := range changed {
			if h := res.notifyHandler(); h != nil {
				h.OnNotifyStatus(ctx, res, status)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("notification dropped",
			slog.Int("resources", len(snaps)),
			slog.String("error", err.Error()),
		)
	}
}

// Value returns the current value without access checks.
func (r *Registry) Value(path lwm2m.Path) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, err := r.lookupLocked(path)
	if err != nil {
		return "", err
	}
	return res.value, nil
}

// Snapshot copies the named resources under one lock.
func (r *Registry) Snapshot(paths ...lwm2m.Path) ([]Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(paths))
	for _, p := range paths {
		res, err := r.lookupLocked(p)
		if err != nil {
			return nil, err
		}
		out = append(out, res.snapshotLocked())
	}
	return out, nil
}

// Resources returns every registered resource ordered by path.
func (r *Registry) Resources() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.slots))
	for _, res := range r.slots {
		out = append(out, res.snapshotLocked())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path.Less(out[j].Path) })
	return out
}

// Read serves a remote GET.
func (r *Registry) Read(path lwm2m.Path) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, err := r.lookupLocked(path)
	if err != nil {
		return "", err
	}
	if !res.mode.Methods.Allows(lwm2m.GET) {
		return "", fmt.Errorf("%w: GET %s", ErrMethodNotAllowed, path)
	}
	return res.value, nil
}

// Write serves a remote PUT. The value is stored and the write handler called
// later, on the dispatch context.
func (r *Registry) Write(path lwm2m.Path, value string) error {
	res, err := r.Lookup(path)
	if err != nil {
		return err
	}
	if !res.mode.Methods.Allows(lwm2m.PUT) {
		return fmt.Errorf("%w: PUT %s", ErrMethodNotAllowed, path)
	}
	return r.poster.Post(func(ctx context.Context) error {
		if err := r.SetValue(path, value); err != nil {
			return err
		}
		if h := res.writeHandler(); h != nil {
			return h.OnWrite(ctx, res, value)
		}
		return nil
	})
}

// Invoke serves a remote POST. The payload is copied before the handler is
// scheduled.
func (r *Registry) Invoke(path lwm2m.Path, payload []byte) error {
	res, err := r.Lookup(path)
	if err != nil {
		return err
	}
	if !res.mode.Methods.Allows(lwm2m.POST) {
		return fmt.Errorf("%w: POST %s", ErrMethodNotAllowed, path)
	}
	body := append([]byte(nil), payload...)
	return r.poster.Post(func(ctx context.Context) error {
		h := res.invokeHandler()
		if h == nil {
			r.logger.Debug("no invoke handler", slog.String("path", path.String()))
			return nil
		}
		return h.OnInvoke(ctx, res, body)
	})
}

// AttachWriteHandler registers the handler called after a remote write.
func (r *Registry) AttachWriteHandler(path lwm2m.Path, h WriteHandler) error {
	return r.attach(path, func(res *Resource) { res.write = h })
}

// AttachInvokeHandler registers the handler called on a remote invoke.
func (r *Registry) AttachInvokeHandler(path lwm2m.Path, h InvokeHandler) error {
	return r.attach(path, func(res *Resource) { res.invoke = h })
}

// AttachNotifyHandler registers the handler told about notification delivery.
func (r *Registry) AttachNotifyHandler(path lwm2m.Path, h NotifyHandler) error {
	return r.attach(path, func(res *Resource) { res.notify = h })
}

func (r *Registry) attach(path lwm2m.Path, set func(*Resource)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.lookupLocked(path)
	if err != nil {
		return err
	}
	set(res)
	return nil
}
