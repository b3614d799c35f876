package observers

import (
	"context"

	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/logger"
)

// LogForwarder sinks execution_log events into the structured logger at
// the level the event requests.
type LogForwarder struct {
	log *logger.Logger
}

// NewLogForwarder creates the observer.
func NewLogForwarder(log *logger.Logger) *LogForwarder {
	if log == nil {
		log = logger.Discard()
	}
	return &LogForwarder{log: log}
}

var _ events.Handler = (*LogForwarder)(nil)

// Types returns the event types this observer consumes.
func (*LogForwarder) Types() []events.EventType {
	return []events.EventType{events.ExecutionLog}
}

func (f *LogForwarder) OnEvent(_ context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.LogPayload)
	if !ok {
		return nil
	}
	log := f.log.WithExecutionID(ev.Scope.ExecutionID)
	switch p.Level {
	case "DEBUG", "debug":
		log.Debug(p.Message)
	case "WARN", "warn":
		log.Warn(p.Message)
	case "ERROR", "error":
		log.Error(p.Message)
	default:
		log.Info(p.Message)
	}
	return nil
}
