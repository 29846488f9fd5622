// Package board models the demo hardware: an edge-triggered collision input,
// a tilt sensor, the user LED and the user button.
package board

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// Direction of a signal edge.
type Direction int

const (
	Rise Direction = iota
	Fall
)

func (d Direction) String() string {
	if d == Fall {
		return "fall"
	}
	return "rise"
}

// InterruptIn calls a handler on each edge of a digital input. Handlers run
// in the caller of OnEdge, which stands in for interrupt context: they must
// only hand work off, typically with eventqueue.Dispatcher.Event.
type InterruptIn struct {
	name string

	mu   sync.RWMutex
	rise func()
	fall func()
}

func NewInterruptIn(name string) *InterruptIn {
	return &InterruptIn{name: name}
}

func (in *InterruptIn) Name() string { return in.name }

func (in *InterruptIn) Rise(fn func()) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.rise = fn
}

func (in *InterruptIn) Fall(fn func()) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.fall = fn
}

// OnEdge is the hardware entry point.
func (in *InterruptIn) OnEdge(dir Direction) {
	in.mu.RLock()
	fn := in.rise
	if dir == Fall {
		fn = in.fall
	}
	in.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Tilt is an orientation reading in degrees.
type Tilt struct {
	X, Y, Z float64
}

type Accelerometer interface {
	ReadTilt(ctx context.Context) (Tilt, error)
}

// SimulatedAccelerometer sweeps a slow deterministic wobble, one step per
// read.
type SimulatedAccelerometer struct {
	mu   sync.Mutex
	step int
}

func (a *SimulatedAccelerometer) ReadTilt(ctx context.Context) (Tilt, error) {
	if err := ctx.Err(); err != nil {
		return Tilt{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	phase := float64(a.step) * math.Pi / 12
	a.step++
	return Tilt{
		X: round2(30 * math.Sin(phase)),
		Y: round2(30 * math.Cos(phase)),
		Z: round2(90 - 10*math.Abs(math.Sin(phase/2))),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DigitalOut is an output pin such as the user LED.
type DigitalOut struct {
	v atomic.Int32
}

func NewDigitalOut(initial int) *DigitalOut {
	o := &DigitalOut{}
	o.Write(initial)
	return o
}

// Write drives the pin high for any non-zero value.
func (o *DigitalOut) Write(v int) {
	if v != 0 {
		v = 1
	}
	o.v.Store(int32(v))
}

func (o *DigitalOut) Read() int { return int(o.v.Load()) }

// ButtonPressedState is the level read from the active-low user button while
// it is held.
const ButtonPressedState = 0

// DigitalIn is an input pin such as the user button.
type DigitalIn struct {
	v atomic.Int32
}

func NewDigitalIn(level int) *DigitalIn {
	in := &DigitalIn{}
	in.Set(level)
	return in
}

func (in *DigitalIn) Read() int { return int(in.v.Load()) }

// Set drives the simulated level.
func (in *DigitalIn) Set(level int) { in.v.Store(int32(level)) }
