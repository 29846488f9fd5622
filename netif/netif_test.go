package netif

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct{ err error }

func (r stubResolver) LookupHost(context.Context, string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []string{"192.0.2.10"}, nil
}

func ipNet(s string) net.Addr {
	ip, n, _ := net.ParseCIDR(s)
	return &net.IPNet{IP: ip, Mask: n.Mask}
}

func TestSystemConnectPicksGlobalIPv4(t *testing.T) {
	s := &System{
		ProbeHost: "coap.nrfcloud.com",
		Resolver:  stubResolver{},
		Addrs: func() ([]net.Addr, error) {
			return []net.Addr{ipNet("127.0.0.1/8"), ipNet("2001:db8::5/64"), ipNet("10.1.2.3/24")}, nil
		},
	}
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, "10.1.2.3", s.IPAddress())
}

func TestSystemConnectFallsBackToIPv6(t *testing.T) {
	s := &System{Addrs: func() ([]net.Addr, error) {
		return []net.Addr{ipNet("::1/128"), ipNet("2001:db8::5/64")}, nil
	}}
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, "2001:db8::5", s.IPAddress())
}

func TestSystemConnectFailures(t *testing.T) {
	loopbackOnly := func() ([]net.Addr, error) { return []net.Addr{ipNet("127.0.0.1/8")}, nil }
	s := &System{Addrs: loopbackOnly}
	assert.ErrorIs(t, s.Connect(context.Background()), ErrNoConnection)

	s = &System{Addrs: func() ([]net.Addr, error) { return nil, errors.New("netlink") }}
	assert.ErrorIs(t, s.Connect(context.Background()), ErrNoConnection)

	s = &System{
		ProbeHost: "coap.nrfcloud.com",
		Resolver:  stubResolver{err: errors.New("no such host")},
		Addrs:     func() ([]net.Addr, error) { return []net.Addr{ipNet("10.0.0.2/8")}, nil },
	}
	assert.ErrorIs(t, s.Connect(context.Background()), ErrNoConnection)
	assert.Empty(t, s.IPAddress())
}

type flakyInterface struct {
	failures int
	calls    int
}

func (f *flakyInterface) Connect(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return ErrNoConnection
	}
	return nil
}

func (f *flakyInterface) IPAddress() string { return "10.0.0.2" }

func TestConnectWithRetry(t *testing.T) {
	iface := &flakyInterface{failures: 3}
	require.NoError(t, ConnectWithRetry(context.Background(), iface, time.Millisecond, nil))
	assert.Equal(t, 4, iface.calls)
}

func TestConnectWithRetryCancelled(t *testing.T) {
	iface := &flakyInterface{failures: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ConnectWithRetry(ctx, iface, time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, iface.calls, 1)
}
