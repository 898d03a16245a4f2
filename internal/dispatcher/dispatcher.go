// Package dispatcher runs a pool of long-lived loops, such as capture workers
// and post-processors, and waits for them to drain.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner is a loop that returns once its context ends.
type Runner interface {
	Run(ctx context.Context)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) { f(ctx) }

// Dispatcher fans work out to a pool of runners.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(runners []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runners: runners, logger: logger.Named("dispatcher")}
}

// Len reports the pool size.
func (d *Dispatcher) Len() int { return len(d.runners) }

// Run starts every runner and blocks until all of them have returned. Runners
// are expected to return when ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting runners", zap.Int("count", len(d.runners)))
	var wg sync.WaitGroup
	for i, r := range d.runners {
		wg.Add(1)
		go func(i int, r Runner) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					d.logger.Error("runner panicked", zap.Int("runner", i), zap.Any("panic", rec))
				}
			}()
			r.Run(ctx)
		}(i, r)
	}
	wg.Wait()
	d.logger.Info("runners stopped")
}
