package bootstrap

import (
	"context"
	"fmt"

	"github.com/dipeo/dipeo/common/config"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/execution"
	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/observers"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/state"
)

// Components holds every initialized service dependency.
type Components struct {
	Config   *config.Config
	Logger   *logger.Logger
	Bus      *events.Bus
	Repo     state.Repository
	Store    *state.Store
	Registry *registry.Registry
	Handlers *engine.HandlerRegistry
	Metrics  *observers.Metrics
	Monitor  *observers.Monitor
	UseCase  *execution.UseCase

	cleanupFuncs []func() error
}

// Shutdown tears components down in reverse initialization order.
func (c *Components) Shutdown(ctx context.Context) error {
	if c.Logger != nil {
		c.Logger.Info("shutting down components")
	}

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			if c.Logger != nil {
				c.Logger.Error("cleanup error", "error", err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Health verifies the backing repository is reachable. The bus and the
// in-memory backends are always healthy while the process lives.
func (c *Components) Health(ctx context.Context) error {
	if c.Store == nil {
		return nil
	}
	if _, err := c.Store.ListExecutions(ctx, "", "", 1, 0); err != nil {
		return fmt.Errorf("state store unhealthy: %w", err)
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
