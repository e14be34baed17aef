// Package engine supervises the moderation service's background
// workers: it starts them together and shuts them down in a fixed
// order so no worker loses in-flight work.
package engine

import (
	"context"
	"log"
	"time"
)

// DefaultShutdownTimeout bounds a full supervised shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Runner is a background worker with its own loop.
type Runner interface {
	Start()
	Stop()
}

// Drainer waits out detached work already in flight.
type Drainer interface {
	Drain(ctx context.Context) error
}

type worker struct {
	name   string
	runner Runner
}

type drainer struct {
	name string
	d    Drainer
}

// Supervisor owns the start and stop order of the service's workers.
// Runners stop in reverse registration order; drainers run after, in
// registration order.
type Supervisor struct {
	workers  []worker
	drainers []drainer
	logger   *log.Logger
}

// New creates an empty supervisor.
func New() *Supervisor {
	return &Supervisor{
		logger: log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
}

// Register adds a named runner. Registration order is start order.
func (s *Supervisor) Register(name string, r Runner) {
	s.workers = append(s.workers, worker{name: name, runner: r})
}

// RegisterDrainer adds a named drainer for the shutdown phase.
func (s *Supervisor) RegisterDrainer(name string, d Drainer) {
	s.drainers = append(s.drainers, drainer{name: name, d: d})
}

// Start launches every registered runner.
func (s *Supervisor) Start() {
	for _, w := range s.workers {
		w.runner.Start()
		s.logger.Printf("%s started", w.name)
	}
}

// Shutdown stops the runners in reverse order, then waits for the
// drainers, all bounded by ctx. The first drain error is returned but
// every drainer still runs.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	for i := len(s.workers) - 1; i >= 0; i-- {
		w := s.workers[i]
		w.runner.Stop()
		s.logger.Printf("%s stopped", w.name)
	}

	var firstErr error
	for _, d := range s.drainers {
		if err := d.d.Drain(ctx); err != nil {
			s.logger.Printf("draining %s: %v", d.name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.logger.Printf("%s drained", d.name)
	}
	return firstErr
}
