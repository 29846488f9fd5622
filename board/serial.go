package board

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var ErrNoReply = errors.New("no reply from sensor bridge")

// Port is the subset of a serial port used by the bridge.
type Port interface {
	io.ReadWriteCloser
}

// PortOptions are the line settings of the bridge's serial port.
type PortOptions struct {
	BaudRate int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// SerialMode validates the options, applies defaults (115200 8N1) and
// converts them for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: o.BaudRate, DataBits: o.DataBits}
	if mode.BaudRate <= 0 {
		mode.BaudRate = 115200
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if mode.DataBits < 5 || mode.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d: must be between 5 and 8", mode.DataBits)
	}

	switch o.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}

	switch strings.ToUpper(strings.TrimSpace(o.Parity)) {
	case "", "N", "NONE":
		mode.Parity = serial.NoParity
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return mode, nil
}

// SerialBridge talks to a microcontroller that owns the real sensors. The
// line protocol is:
//
//	host -> bridge   T              request a tilt reading
//	bridge -> host   T <x> <y> <z>  tilt reading in degrees
//	bridge -> host   EDGE FALL      collision input fell
//	bridge -> host   EDGE RISE      collision input rose
//
// Edge lines are delivered to the InterruptIn from the Monitor goroutine.
type SerialBridge struct {
	port    Port
	edges   *InterruptIn
	logger  *slog.Logger
	timeout time.Duration

	cmdMu   sync.Mutex
	replies chan Tilt
}

// OpenSerialBridge opens the serial device at path.
func OpenSerialBridge(path string, opts PortOptions, edges *InterruptIn, logger *slog.Logger) (*SerialBridge, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewSerialBridge(port, edges, logger), nil
}

func NewSerialBridge(port Port, edges *InterruptIn, logger *slog.Logger) *SerialBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialBridge{
		port:    port,
		edges:   edges,
		logger:  logger,
		timeout: time.Second,
		replies: make(chan Tilt, 1),
	}
}

// Monitor reads lines from the bridge until ctx is cancelled or the port
// fails.
func (b *SerialBridge) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(b.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return err
					}
				default:
				}
				return io.EOF
			}
			b.handleLine(line)
		}
	}
}

func (b *SerialBridge) handleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "EDGE":
		if len(fields) != 2 || b.edges == nil {
			break
		}
		switch fields[1] {
		case "FALL":
			b.edges.OnEdge(Fall)
		case "RISE":
			b.edges.OnEdge(Rise)
		}
		return
	case "T":
		tilt, err := parseTilt(fields[1:])
		if err != nil {
			b.logger.Warn("bad tilt reply", slog.String("line", line), slog.String("error", err.Error()))
			return
		}
		select {
		case b.replies <- tilt:
		default:
		}
		return
	}
	b.logger.Debug("unrecognised bridge line", slog.String("line", line))
}

func parseTilt(fields []string) (Tilt, error) {
	if len(fields) != 3 {
		return Tilt{}, fmt.Errorf("expected 3 values, got %d", len(fields))
	}
	var v [3]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Tilt{}, err
		}
		v[i] = n
	}
	return Tilt{X: v[0], Y: v[1], Z: v[2]}, nil
}

// ReadTilt requests a reading and waits for the reply. Monitor must be
// running.
func (b *SerialBridge) ReadTilt(ctx context.Context) (Tilt, error) {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	// discard a reply left over from a timed-out request
	select {
	case <-b.replies:
	default:
	}

	if _, err := b.port.Write([]byte("T\n")); err != nil {
		return Tilt{}, fmt.Errorf("failed to request tilt: %w", err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case t := <-b.replies:
		return t, nil
	case <-timer.C:
		return Tilt{}, ErrNoReply
	case <-ctx.Done():
		return Tilt{}, ctx.Err()
	}
}

func (b *SerialBridge) Close() error {
	return b.port.Close()
}
