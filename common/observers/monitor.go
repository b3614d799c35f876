package observers

import (
	"context"

	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/logger"
)

// Router receives UI update frames. The SSE hub implements this; tests
// use ChannelRouter.
type Router interface {
	Push(frame events.UpdateFrame)
}

// Monitor translates bus events into transport frames and forwards them
// to a router. It never blocks event delivery: slow routers must shed
// internally.
type Monitor struct {
	router Router
	log    *logger.Logger
}

// NewMonitor creates the observer.
func NewMonitor(router Router, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Discard()
	}
	return &Monitor{router: router, log: log}
}

var _ events.Handler = (*Monitor)(nil)

func (m *Monitor) OnEvent(_ context.Context, ev events.Event) error {
	m.router.Push(events.Frame(ev))
	return nil
}

// ChannelRouter buffers frames on a channel, dropping the oldest when
// the buffer is full.
type ChannelRouter struct {
	ch chan events.UpdateFrame
}

// NewChannelRouter creates a router with the given buffer size.
func NewChannelRouter(size int) *ChannelRouter {
	if size <= 0 {
		size = 256
	}
	return &ChannelRouter{ch: make(chan events.UpdateFrame, size)}
}

func (r *ChannelRouter) Push(frame events.UpdateFrame) {
	for {
		select {
		case r.ch <- frame:
			return
		default:
			select {
			case <-r.ch:
			default:
			}
		}
	}
}

// Frames exposes the buffered stream.
func (r *ChannelRouter) Frames() <-chan events.UpdateFrame { return r.ch }
