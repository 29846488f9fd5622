// Package sampler publishes sensor readings to the registry on a fixed
// period.
//
// Reads run on the dispatch context, not in the timer, so a sensor may take
// as long as it needs without missing hardware deadlines. The cost is that a
// slow read delays every other pending event; that is the only quality of
// service trade-off of this design.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"device-client-coap/eventqueue"
	"device-client-coap/registry"
)

var ErrStarted = errors.New("sampler already started")

// Source produces the resource updates for one sample.
type Source interface {
	Sample(ctx context.Context) ([]registry.Update, error)
}

type SourceFunc func(ctx context.Context) ([]registry.Update, error)

func (f SourceFunc) Sample(ctx context.Context) ([]registry.Update, error) {
	return f(ctx)
}

// Scheduler registers periodic tasks.
type Scheduler interface {
	Every(period time.Duration, task eventqueue.Task) (*eventqueue.Timer, error)
}

// Publisher receives a sample's updates in one batch.
type Publisher interface {
	SetValues(updates []registry.Update) error
}

type Sampler struct {
	sched   Scheduler
	pub     Publisher
	period  time.Duration
	sources []Source
	logger  *slog.Logger

	mu    sync.Mutex
	timer *eventqueue.Timer
}

func New(sched Scheduler, pub Publisher, period time.Duration, logger *slog.Logger, sources ...Source) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		sched:   sched,
		pub:     pub,
		period:  period,
		sources: sources,
		logger:  logger,
	}
}

// Start registers the periodic tick. It may be called once.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return ErrStarted
	}
	t, err := s.sched.Every(s.period, s.Tick)
	if err != nil {
		return fmt.Errorf("failed to register sampler: %w", err)
	}
	s.timer = t
	s.logger.Info("sampler started", slog.Duration("period", s.period))
	return nil
}

// Stop cancels the tick before its next firing.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Cancel()
	}
}

// Tick reads every source and publishes all updates together. Any failing
// source fails the whole tick so readers never see a partial sample.
func (s *Sampler) Tick(ctx context.Context) error {
	var updates []registry.Update
	for _, src := range s.sources {
		u, err := src.Sample(ctx)
		if err != nil {
			return fmt.Errorf("sample failed: %w", err)
		}
		updates = append(updates, u...)
	}
	if len(updates) == 0 {
		return nil
	}
	return s.pub.SetValues(updates)
}
