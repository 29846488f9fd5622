// Package netif brings the device onto the network.
package netif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

var ErrNoConnection = errors.New("no network connection")

// Interface is a network link the device client runs over.
type Interface interface {
	// Connect fails with ErrNoConnection until the link is usable.
	Connect(ctx context.Context) error
	// IPAddress is the local address once connected.
	IPAddress() string
}

// Resolver looks up the cloud host to prove name resolution works.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// System uses the host's default network interfaces.
type System struct {
	ProbeHost string
	Resolver  Resolver

	// Addrs lists candidate interface addresses; nil means
	// net.InterfaceAddrs.
	Addrs func() ([]net.Addr, error)

	ip string
}

func NewSystem(probeHost string) *System {
	return &System{ProbeHost: probeHost, Resolver: net.DefaultResolver}
}

func (s *System) Connect(ctx context.Context) error {
	addrs := s.Addrs
	if addrs == nil {
		addrs = net.InterfaceAddrs
	}
	list, err := addrs()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoConnection, err)
	}
	ip := pickAddress(list)
	if ip == "" {
		return fmt.Errorf("%w: no usable interface address", ErrNoConnection)
	}
	if s.ProbeHost != "" && s.Resolver != nil {
		if _, err := s.Resolver.LookupHost(ctx, s.ProbeHost); err != nil {
			return fmt.Errorf("%w: %v", ErrNoConnection, err)
		}
	}
	s.ip = ip
	return nil
}

func (s *System) IPAddress() string { return s.ip }

// pickAddress prefers the first global IPv4 address, then any global IPv6.
func pickAddress(addrs []net.Addr) string {
	var v6 string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || !ipnet.IP.IsGlobalUnicast() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
		if v6 == "" {
			v6 = ipnet.IP.String()
		}
	}
	return v6
}

// ConnectWithRetry calls Connect until it succeeds, waiting interval between
// attempts. Only ctx cancellation stops it.
func ConnectWithRetry(ctx context.Context, iface Interface, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for attempt := 1; ; attempt++ {
		err := iface.Connect(ctx)
		if err == nil {
			return nil
		}
		logger.Warn("unable to connect to network, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
