package registry

import (
	"context"

	"device-client-coap/lwm2m"
)

// WriteHandler is called on the dispatch context after a remote write has
// stored a new value.
type WriteHandler interface {
	OnWrite(ctx context.Context, r *Resource, value string) error
}

// InvokeHandler is called on the dispatch context for a remote invoke.
type InvokeHandler interface {
	OnInvoke(ctx context.Context, r *Resource, payload []byte) error
}

// NotifyHandler learns the delivery status of change notifications.
type NotifyHandler interface {
	OnNotifyStatus(ctx context.Context, r *Resource, status lwm2m.DeliveryStatus)
}

type WriteFunc func(ctx context.Context, r *Resource, value string) error

func (f WriteFunc) OnWrite(ctx context.Context, r *Resource, value string) error {
	return f(ctx, r, value)
}

type InvokeFunc func(ctx context.Context, r *Resource, payload []byte) error

func (f InvokeFunc) OnInvoke(ctx context.Context, r *Resource, payload []byte) error {
	return f(ctx, r, payload)
}

type NotifyFunc func(ctx context.Context, r *Resource, status lwm2m.DeliveryStatus)

func (f NotifyFunc) OnNotifyStatus(ctx context.Context, r *Resource, status lwm2m.DeliveryStatus) {
	f(ctx, r, status)
}

// Resource is a handle to one registered value slot.
type Resource struct {
	reg  *Registry
	path lwm2m.Path
	name string
	mode Mode

	// guarded by reg.mu
	value  string
	write  WriteHandler
	invoke InvokeHandler
	notify NotifyHandler
}

func (r *Resource) Path() lwm2m.Path { return r.path }
func (r *Resource) Name() string     { return r.name }
func (r *Resource) Mode() Mode       { return r.mode }

func (r *Resource) Value() string {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	return r.value
}

func (r *Resource) SetValue(v string) error {
	return r.reg.SetValue(r.path, v)
}

func (r *Resource) snapshotLocked() Snapshot {
	return Snapshot{Path: r.path, Name: r.name, Mode: r.mode, Value: r.value}
}

func (r *Resource) writeHandler() WriteHandler {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	return r.write
}

func (r *Resource) invokeHandler() InvokeHandler {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	return r.invoke
}

func (r *Resource) notifyHandler() NotifyHandler {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	return r.notify
}
