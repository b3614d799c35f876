package bootstrap

import (
	"github.com/dipeo/dipeo/common/config"
	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/observers"
)

// Option configures the bootstrap process.
type Option func(*options)

type options struct {
	skipObservers bool
	customLogger  *logger.Logger
	customConfig  *config.Config
	router        observers.Router
}

// WithoutObservers skips metrics and log-forwarding subscriptions.
func WithoutObservers() Option {
	return func(o *options) {
		o.skipObservers = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one.
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithRouter subscribes a streaming monitor pushing frames to router.
func WithRouter(router observers.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

func defaultOptions() *options {
	return &options{}
}
