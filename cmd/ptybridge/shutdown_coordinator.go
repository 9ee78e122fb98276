package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ptybridge/internal/logging"
)

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// shutdownCoordinator stops components in registration order. Every phase
// runs even when an earlier one fails or the deadline passes, so agent
// processes are always reaped.
type shutdownCoordinator struct {
	logger *logging.Logger
	once   sync.Once
	mu     sync.Mutex
	phases []shutdownPhase
	err    error
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &shutdownCoordinator{logger: logger}
}

func (coordinator *shutdownCoordinator) Add(name string, stop func(context.Context) error) {
	if coordinator == nil || stop == nil {
		return
	}
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	coordinator.phases = append(coordinator.phases, shutdownPhase{name: name, stop: stop})
}

// Run executes the phases once; later calls return the first run's error.
func (coordinator *shutdownCoordinator) Run(ctx context.Context) error {
	if coordinator == nil {
		return nil
	}
	coordinator.once.Do(func() {
		coordinator.mu.Lock()
		phases := append([]shutdownPhase(nil), coordinator.phases...)
		coordinator.mu.Unlock()

		started := time.Now()
		for _, phase := range phases {
			phaseStarted := time.Now()
			coordinator.logger.Debug("shutdown phase starting", map[string]string{"phase": phase.name})
			if err := phase.stop(ctx); err != nil {
				coordinator.err = errors.Join(coordinator.err, fmt.Errorf("%s: %w", phase.name, err))
				coordinator.logger.Warn("shutdown phase failed", map[string]string{
					"phase":            phase.name,
					logging.FieldError: err.Error(),
				})
				continue
			}
			coordinator.logger.Debug("shutdown phase finished", map[string]string{
				"phase":    phase.name,
				"duration": time.Since(phaseStarted).Round(time.Millisecond).String(),
			})
		}
		coordinator.logger.Info("shutdown complete", map[string]string{
			"duration": time.Since(started).Round(time.Millisecond).String(),
		})
	})
	return coordinator.err
}
