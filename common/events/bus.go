package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/dipeo/dipeo/common/logger"
)

// Priority orders handler tiers. For a given event, every HIGH handler
// completes before any NORMAL handler observes it. This is the barrier
// that lets the state store persist before the UI is notified.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Handler consumes events. Each handler owns a bounded serial queue and
// observes events in publish order per execution.
type Handler interface {
	OnEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) OnEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// SubscriptionHandle identifies an active subscription.
type SubscriptionHandle struct {
	id int64
}

// Options configures the bus.
type Options struct {
	QueueSize   int           // per-handler queue bound (default 50000)
	PublishWait time.Duration // block-with-deadline before drop-with-log
	ReplayCap   int           // max retained events per execution
	ReplayGrace time.Duration // retention after terminal status
	Logger      *logger.Logger
}

func (o *Options) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 50000
	}
	if o.PublishWait <= 0 {
		o.PublishWait = 5 * time.Second
	}
	if o.ReplayCap <= 0 {
		o.ReplayCap = 100000
	}
	if o.ReplayGrace <= 0 {
		o.ReplayGrace = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
}

type queued struct {
	ev   Event
	wg   *sync.WaitGroup // non-nil for HIGH-tier deliveries
	pend *pendingCounter
}

type subscription struct {
	id       int64
	types    map[EventType]struct{}
	handler  Handler
	priority Priority
	filter   Filter
	queue    chan queued
	done     chan struct{}
}

func (s *subscription) matches(ev Event) bool {
	if _, ok := s.types[ev.Type]; !ok {
		return false
	}
	if s.filter != nil && !s.filter(ev) {
		return false
	}
	return true
}

// Bus is the in-process typed pub/sub fabric. Publishers enqueue onto a
// single bounded delivery queue; one delivery goroutine fans events out to
// per-handler queues, enforcing the HIGH/NORMAL barrier per event.
type Bus struct {
	mu        sync.RWMutex
	nextID    int64
	subs      map[int64]*subscription
	order     []int64
	byHandler map[any]int64

	// pubMu serializes seq assignment with the delivery enqueue. Both must
	// happen as one atomic step, or two publishers to the same execution
	// can enqueue out of seq order and a handler observes N+1 before N.
	pubMu sync.Mutex

	seqMu   sync.Mutex
	seqs    map[string]int64
	replay  map[string][]Event
	pending map[string]*pendingCounter

	deliver chan queued
	stop    chan struct{}
	stopped sync.WaitGroup

	opts Options
	log  *logger.Logger
}

// NewBus creates and starts a bus.
func NewBus(opts Options) *Bus {
	opts.withDefaults()
	b := &Bus{
		subs:      make(map[int64]*subscription),
		byHandler: make(map[any]int64),
		seqs:      make(map[string]int64),
		replay:    make(map[string][]Event),
		pending:   make(map[string]*pendingCounter),
		deliver:   make(chan queued, opts.QueueSize),
		stop:      make(chan struct{}),
		opts:      opts,
		log:       opts.Logger,
	}
	b.stopped.Add(1)
	go b.deliveryLoop()
	return b
}

// Publish assigns the event's per-execution sequence number, appends it to
// the replay log and hands it to the delivery loop. Fire-and-forget from
// the publisher's perspective; use AwaitPending to drain.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	execID := ev.Scope.ExecutionID
	b.seqMu.Lock()
	b.seqs[execID]++
	ev.Seq = b.seqs[execID]
	log := append(b.replay[execID], ev)
	if len(log) > b.opts.ReplayCap {
		log = log[len(log)-b.opts.ReplayCap:]
	}
	b.replay[execID] = log
	pend := b.pendingLocked(execID)
	pend.inc(1)
	b.seqMu.Unlock()

	if isTerminalType(ev.Type) {
		b.scheduleCleanup(execID)
	}

	select {
	case b.deliver <- queued{ev: ev, pend: pend}:
		return nil
	default:
	}

	// Delivery queue full: block with deadline, then drop with log.
	timer := time.NewTimer(b.opts.PublishWait)
	defer timer.Stop()
	select {
	case b.deliver <- queued{ev: ev, pend: pend}:
		return nil
	case <-timer.C:
		pend.dec()
		b.log.Warn("event dropped, delivery queue full",
			"execution_id", execID, "type", ev.Type, "seq", ev.Seq)
		return fmt.Errorf("event bus delivery queue full")
	case <-ctx.Done():
		pend.dec()
		return ctx.Err()
	}
}

// Subscribe registers a handler for the given event types. Re-subscribing
// the same handler instance never duplicates delivery: the existing
// subscription is updated in place with the new types, priority and
// filter, and its handle is returned.
func (b *Bus) Subscribe(types []EventType, handler Handler, priority Priority, filter Filter) SubscriptionHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	if key, ok := handlerKey(handler); ok {
		if id, exists := b.byHandler[key]; exists {
			sub := b.subs[id]
			sub.types = make(map[EventType]struct{}, len(types))
			for _, t := range types {
				sub.types[t] = struct{}{}
			}
			sub.priority = priority
			sub.filter = filter
			return SubscriptionHandle{id: id}
		}
	}

	b.nextID++
	sub := &subscription{
		id:       b.nextID,
		types:    make(map[EventType]struct{}, len(types)),
		handler:  handler,
		priority: priority,
		filter:   filter,
		queue:    make(chan queued, b.opts.QueueSize),
		done:     make(chan struct{}),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	b.subs[sub.id] = sub
	b.order = append(b.order, sub.id)
	if key, ok := handlerKey(handler); ok {
		b.byHandler[key] = sub.id
	}

	go b.workerLoop(sub)
	return SubscriptionHandle{id: sub.id}
}

// Unsubscribe removes a subscription and stops its worker.
func (b *Bus) Unsubscribe(handle SubscriptionHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[handle.id]
	if !ok {
		return
	}
	delete(b.subs, handle.id)
	for i, id := range b.order {
		if id == handle.id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if key, ok := handlerKey(sub.handler); ok {
		delete(b.byHandler, key)
	}
	close(sub.done)
}

// Replay returns retained events for the execution with seq strictly
// greater than fromSeq, in order.
func (b *Bus) Replay(executionID string, fromSeq int64) []Event {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	log := b.replay[executionID]
	var out []Event
	for _, ev := range log {
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq returns the highest sequence number assigned for an execution.
func (b *Bus) LastSeq(executionID string) int64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	return b.seqs[executionID]
}

// AwaitPending blocks until every published event for the execution has
// been observed by all matching handlers, or ctx expires.
func (b *Bus) AwaitPending(ctx context.Context, executionID string) error {
	b.seqMu.Lock()
	pend := b.pendingLocked(executionID)
	b.seqMu.Unlock()
	return pend.wait(ctx)
}

// Close stops the delivery loop. Subscriptions are left to drain.
func (b *Bus) Close() {
	close(b.stop)
	b.stopped.Wait()
}

func (b *Bus) deliveryLoop() {
	defer b.stopped.Done()
	for {
		select {
		case <-b.stop:
			return
		case q := <-b.deliver:
			b.fanout(q)
		}
	}
}

// fanout enqueues the event to matching subscriptions: HIGH tier first,
// waiting for each HIGH handler to finish before the NORMAL tier sees it.
func (b *Bus) fanout(q queued) {
	b.mu.RLock()
	var high, normal []*subscription
	for _, id := range b.order {
		sub := b.subs[id]
		if !sub.matches(q.ev) {
			continue
		}
		if sub.priority == PriorityHigh {
			high = append(high, sub)
		} else {
			normal = append(normal, sub)
		}
	}
	b.mu.RUnlock()

	if len(high) > 0 {
		var wg sync.WaitGroup
		for _, sub := range high {
			wg.Add(1)
			q.pend.inc(1)
			b.enqueue(sub, queued{ev: q.ev, wg: &wg, pend: q.pend})
		}
		wg.Wait()
	}

	for _, sub := range normal {
		q.pend.inc(1)
		b.enqueue(sub, queued{ev: q.ev, pend: q.pend})
	}

	q.pend.dec()
}

func (b *Bus) enqueue(sub *subscription, q queued) {
	select {
	case sub.queue <- q:
		return
	default:
	}

	timer := time.NewTimer(b.opts.PublishWait)
	defer timer.Stop()
	select {
	case sub.queue <- q:
	case <-sub.done:
		b.settle(q)
	case <-timer.C:
		b.log.Warn("event dropped, handler queue full",
			"subscription", sub.id, "type", q.ev.Type, "seq", q.ev.Seq)
		b.settle(q)
	}
}

func (b *Bus) settle(q queued) {
	if q.wg != nil {
		q.wg.Done()
	}
	q.pend.dec()
}

func (b *Bus) workerLoop(sub *subscription) {
	for {
		select {
		case <-sub.done:
			// Drain anything already enqueued so pending counters settle.
			for {
				select {
				case q := <-sub.queue:
					b.settle(q)
				default:
					return
				}
			}
		case q := <-sub.queue:
			b.invoke(sub, q)
		}
	}
}

// invoke runs the handler, recovering panics. Failures are logged and
// re-published as execution_log(ERROR); they never affect other handlers.
func (b *Bus) invoke(sub *subscription, q queued) {
	defer b.settle(q)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return sub.handler.OnEvent(context.Background(), q.ev)
	}()

	if err == nil {
		return
	}

	b.log.Error("event handler failed",
		"subscription", sub.id, "type", q.ev.Type, "seq", q.ev.Seq, "error", err)

	// Avoid recursion on execution_log failures.
	if q.ev.Type == ExecutionLog {
		return
	}
	go b.Publish(context.Background(), Event{
		Type:  ExecutionLog,
		Scope: Scope{ExecutionID: q.ev.Scope.ExecutionID},
		Payload: LogPayload{
			Level:   "ERROR",
			Message: fmt.Sprintf("handler error on %s: %v", q.ev.Type, err),
		},
	})
}

func (b *Bus) pendingLocked(executionID string) *pendingCounter {
	pend, ok := b.pending[executionID]
	if !ok {
		pend = &pendingCounter{}
		b.pending[executionID] = pend
	}
	return pend
}

func (b *Bus) scheduleCleanup(executionID string) {
	time.AfterFunc(b.opts.ReplayGrace, func() {
		b.seqMu.Lock()
		delete(b.replay, executionID)
		delete(b.pending, executionID)
		b.seqMu.Unlock()
	})
}

func isTerminalType(t EventType) bool {
	return t == ExecutionCompleted || t == ExecutionError
}

// handlerKey returns an identity key for idempotent subscribe. Handlers
// with non-comparable dynamic types (plain funcs) are never deduplicated.
func handlerKey(h Handler) (any, bool) {
	t := reflect.TypeOf(h)
	if t == nil || !t.Comparable() {
		return nil, false
	}
	return h, true
}

// pendingCounter tracks outstanding deliveries for one execution.
type pendingCounter struct {
	mu     sync.Mutex
	n      int64
	waitCh chan struct{}
}

func (p *pendingCounter) inc(d int64) {
	p.mu.Lock()
	p.n += d
	p.mu.Unlock()
}

func (p *pendingCounter) dec() {
	p.mu.Lock()
	p.n--
	if p.n <= 0 && p.waitCh != nil {
		close(p.waitCh)
		p.waitCh = nil
	}
	p.mu.Unlock()
}

func (p *pendingCounter) wait(ctx context.Context) error {
	p.mu.Lock()
	if p.n <= 0 {
		p.mu.Unlock()
		return nil
	}
	if p.waitCh == nil {
		p.waitCh = make(chan struct{})
	}
	ch := p.waitCh
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
