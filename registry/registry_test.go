package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-client-coap/eventqueue"
	"device-client-coap/lwm2m"
)

var (
	countPath = lwm2m.MustParsePath("3200/0/5501")
	ledPath   = lwm2m.MustParsePath("3201/0/5853")
	execPath  = lwm2m.MustParsePath("3300/0/5605")
	xPath     = lwm2m.MustParsePath("3313/0/5702")
	yPath     = lwm2m.MustParsePath("3313/0/5703")
	zPath     = lwm2m.MustParsePath("3313/0/5704")
)

type fakeNotifier struct {
	status lwm2m.DeliveryStatus
	calls  [][]Snapshot
}

func (f *fakeNotifier) Notify(_ context.Context, changes []Snapshot) lwm2m.DeliveryStatus {
	f.calls = append(f.calls, changes)
	return f.status
}

func newTestRegistry(t *testing.T) (*Registry, *eventqueue.Dispatcher) {
	t.Helper()
	d := eventqueue.New(eventqueue.WithClock(eventqueue.NewMockClock(time.Unix(0, 0))))
	return New(d), d
}

func drain(t *testing.T, d *eventqueue.Dispatcher) int {
	t.Helper()
	n, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	return n
}

func observable() Mode {
	return Mode{Methods: lwm2m.GET, Type: lwm2m.Integer, Observable: true}
}

func TestCreateDuplicateLeavesSlotUntouched(t *testing.T) {
	reg, _ := newTestRegistry(t)
	res, err := reg.Create(countPath, "collision_count", observable())
	require.NoError(t, err)
	require.NoError(t, res.SetValue("7"))

	_, err = reg.Create(countPath, "other", Mode{Methods: lwm2m.PUT})
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := reg.Lookup(countPath)
	require.NoError(t, err)
	assert.Same(t, res, got)
	assert.Equal(t, "collision_count", got.Name())
	assert.Equal(t, observable(), got.Mode())
	assert.Equal(t, "7", got.Value())
}

func TestSetValueUnknownPath(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.ErrorIs(t, reg.SetValue(countPath, "1"), ErrNotFound)
	_, err := reg.Value(countPath)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetValueSchedulesNotification(t *testing.T) {
	reg, d := newTestRegistry(t)
	res, err := reg.Create(countPath, "collision_count", observable())
	require.NoError(t, err)

	notifier := &fakeNotifier{status: lwm2m.StatusDelivered}
	reg.SetNotifier(notifier)

	var statuses []lwm2m.DeliveryStatus
	require.NoError(t, reg.AttachNotifyHandler(countPath, NotifyFunc(func(_ context.Context, r *Resource, s lwm2m.DeliveryStatus) {
		assert.Same(t, res, r)
		statuses = append(statuses, s)
	})))

	require.NoError(t, res.SetValue("3"))
	assert.Empty(t, notifier.calls, "notification must not be delivered inline")
	assert.Equal(t, 1, d.Pending())

	assert.Equal(t, 1, drain(t, d))
	require.Len(t, notifier.calls, 1)
	assert.Equal(t, "3", notifier.calls[0][0].Value)
	assert.Equal(t, []lwm2m.DeliveryStatus{lwm2m.StatusDelivered}, statuses)
}

func TestSetValueUnchangedDoesNotNotify(t *testing.T) {
	reg, d := newTestRegistry(t)
	res, err := reg.Create(countPath, "collision_count", observable())
	require.NoError(t, err)
	require.NoError(t, res.SetValue("1"))
	drain(t, d)

	require.NoError(t, res.SetValue("1"))
	assert.Equal(t, 0, d.Pending())
}

func TestNonObservableDoesNotNotify(t *testing.T) {
	reg, d := newTestRegistry(t)
	res, err := reg.Create(ledPath, "led_state", Mode{Methods: lwm2m.GET | lwm2m.PUT, Type: lwm2m.Integer})
	require.NoError(t, err)
	require.NoError(t, res.SetValue("1"))
	assert.Equal(t, 0, d.Pending())
}

func TestNotificationWithoutNotifierIsUnsubscribed(t *testing.T) {
	reg, d := newTestRegistry(t)
	_, err := reg.Create(countPath, "collision_count", observable())
	require.NoError(t, err)

	var got lwm2m.DeliveryStatus
	require.NoError(t, reg.AttachNotifyHandler(countPath, NotifyFunc(func(_ context.Context, _ *Resource, s lwm2m.DeliveryStatus) {
		got = s
	})))
	require.NoError(t, reg.SetValue(countPath, "1"))
	drain(t, d)
	assert.Equal(t, lwm2m.StatusUnsubscribed, got)
}

func TestWriteCallsHandlerOnceOnDispatch(t *testing.T) {
	reg, d := newTestRegistry(t)
	_, err := reg.Create(ledPath, "led_state", Mode{Methods: lwm2m.GET | lwm2m.PUT, Type: lwm2m.Integer})
	require.NoError(t, err)

	led := 0
	var seen []string
	require.NoError(t, reg.AttachWriteHandler(ledPath, WriteFunc(func(_ context.Context, r *Resource, v string) error {
		seen = append(seen, v)
		assert.Equal(t, v, r.Value(), "value is stored before the handler runs")
		if v == "1" {
			led = 1
		}
		return nil
	})))

	require.NoError(t, reg.Write(ledPath, "1"))
	assert.Empty(t, seen)
	assert.Equal(t, 0, led)

	drain(t, d)
	assert.Equal(t, []string{"1"}, seen)
	assert.Equal(t, 1, led)

	v, err := reg.Read(ledPath)
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestWriteRequiresPut(t *testing.T) {
	reg, d := newTestRegistry(t)
	_, err := reg.Create(countPath, "collision_count", observable())
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Write(countPath, "9"), ErrMethodNotAllowed)
	assert.ErrorIs(t, reg.Write(ledPath, "9"), ErrNotFound)
	assert.Equal(t, 0, d.Pending())
}

func TestInvokeCopiesPayload(t *testing.T) {
	reg, d := newTestRegistry(t)
	_, err := reg.Create(execPath, "execute_function", Mode{Methods: lwm2m.POST, Type: lwm2m.Opaque})
	require.NoError(t, err)

	var got []byte
	require.NoError(t, reg.AttachInvokeHandler(execPath, InvokeFunc(func(_ context.Context, _ *Resource, p []byte) error {
		got = p
		return nil
	})))

	payload := []byte{0xde, 0xad}
	require.NoError(t, reg.Invoke(execPath, payload))
	payload[0] = 0x00
	drain(t, d)
	assert.Equal(t, []byte{0xde, 0xad}, got)

	_, err = reg.Read(execPath)
	assert.ErrorIs(t, err, ErrMethodNotAllowed)
	assert.ErrorIs(t, reg.Write(execPath, "x"), ErrMethodNotAllowed)
}

func TestInvokeRequiresPost(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Create(ledPath, "led_state", Mode{Methods: lwm2m.GET | lwm2m.PUT})
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Invoke(ledPath, nil), ErrMethodNotAllowed)
}

func TestAttachUnknownPath(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.ErrorIs(t, reg.AttachWriteHandler(ledPath, WriteFunc(nil)), ErrNotFound)
	assert.ErrorIs(t, reg.AttachInvokeHandler(ledPath, InvokeFunc(nil)), ErrNotFound)
	assert.ErrorIs(t, reg.AttachNotifyHandler(ledPath, NotifyFunc(nil)), ErrNotFound)
}

func TestSetValuesBatchesNotification(t *testing.T) {
	reg, d := newTestRegistry(t)
	for _, p := range []lwm2m.Path{xPath, yPath, zPath} {
		_, err := reg.Create(p, p.String(), Mode{Methods: lwm2m.GET, Type: lwm2m.Float, Observable: true})
		require.NoError(t, err)
	}
	notifier := &fakeNotifier{status: lwm2m.StatusDelivered}
	reg.SetNotifier(notifier)

	require.NoError(t, reg.SetValues([]Update{
		{Path: xPath, Value: "1.00"},
		{Path: yPath, Value: "2.00"},
		{Path: zPath, Value: "3.00"},
	}))
	assert.Equal(t, 1, drain(t, d))
	require.Len(t, notifier.calls, 1)

	mode := Mode{Methods: lwm2m.GET, Type: lwm2m.Float, Observable: true}
	want := []Snapshot{
		{Path: xPath, Name: "3313/0/5702", Mode: mode, Value: "1.00"},
		{Path: yPath, Name: "3313/0/5703", Mode: mode, Value: "2.00"},
		{Path: zPath, Name: "3313/0/5704", Mode: mode, Value: "3.00"},
	}
	if diff := cmp.Diff(want, notifier.calls[0]); diff != "" {
		t.Errorf("notification mismatch (-want +got):\n%s", diff)
	}
}

func TestSetValuesRejectsUnknownWithoutPartialUpdate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Create(xPath, "accelerometer_x", Mode{Methods: lwm2m.GET, Type: lwm2m.Float})
	require.NoError(t, err)

	err = reg.SetValues([]Update{{Path: xPath, Value: "1.00"}, {Path: yPath, Value: "2.00"}})
	assert.ErrorIs(t, err, ErrNotFound)
	v, _ := reg.Value(xPath)
	assert.Equal(t, "", v)
}

func TestSnapshotNeverSeesPartialTriple(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, p := range []lwm2m.Path{xPath, yPath, zPath} {
		_, err := reg.Create(p, p.String(), Mode{Methods: lwm2m.GET, Type: lwm2m.Float})
		require.NoError(t, err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snaps, err := reg.Snapshot(xPath, yPath, zPath)
			if !assert.NoError(t, err) {
				return
			}
			if snaps[0].Value != snaps[1].Value || snaps[1].Value != snaps[2].Value {
				t.Errorf("partial triple observed: %q %q %q", snaps[0].Value, snaps[1].Value, snaps[2].Value)
				return
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		v := lwm2m.FormatFloat(float64(i))
		require.NoError(t, reg.SetValues([]Update{{xPath, v}, {yPath, v}, {zPath, v}}))
	}
	close(stop)
	wg.Wait()
}

func TestResourcesSortedByPath(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, p := range []lwm2m.Path{zPath, countPath, ledPath, xPath} {
		_, err := reg.Create(p, p.String(), Mode{Methods: lwm2m.GET})
		require.NoError(t, err)
	}
	var got []string
	for _, s := range reg.Resources() {
		got = append(got, s.Path.String())
	}
	assert.Equal(t, []string{"3200/0/5501", "3201/0/5853", "3313/0/5702", "3313/0/5704"}, got)
}
