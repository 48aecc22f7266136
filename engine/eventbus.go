package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/cespare/xxhash/v2"

	"rewardledger/core"
	"rewardledger/metrics"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

// Handler receives published ledger events.
type Handler func(context.Context, core.Event)

type subscription struct {
	id int64
	fn Handler
}

// BusOption tunes an EventBus.
type BusOption func(*EventBus)

// WithQueueSize sets the async buffer of each worker. Publishing to a full
// buffer drops the event.
func WithQueueSize(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithWorkers sets the number of async dispatch goroutines.
func WithWorkers(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithBusLogger sets where dropped events and handler panics are reported.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(e *EventBus) {
		if l != nil {
			e.logger = l
		}
	}
}

// EventBus fans ledger events out to subscribers, either inline with the
// publisher or through bounded queues drained by worker goroutines.
// In async mode every event of a user goes to the same worker, so a user's
// events reach handlers in publish order.
// Handlers run after the ledger write committed, so a failing handler never
// affects the write.
type EventBus struct {
	mode      DispatchMode
	mu        sync.RWMutex
	subs      map[core.EventType]map[int64]subscription
	nextID    int64
	queues    []chan core.Event
	queueSize int
	workers   int
	logger    *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func NewEventBus(mode DispatchMode, opts ...BusOption) *EventBus {
	eb := &EventBus{
		mode:      mode,
		subs:      make(map[core.EventType]map[int64]subscription),
		queueSize: 2048,
		workers:   4,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(eb)
	}
	if mode == DispatchAsync {
		eb.queues = make([]chan core.Event, eb.workers)
		for i := range eb.queues {
			eb.queues[i] = make(chan core.Event, eb.queueSize)
			eb.wg.Add(1)
			go eb.work(eb.queues[i])
		}
	}
	return eb
}

func (e *EventBus) work(queue chan core.Event) {
	defer e.wg.Done()
	for {
		select {
		case ev := <-queue:
			e.dispatch(context.Background(), ev)
		case <-e.done:
			// deliver whatever is still queued
			for {
				select {
				case ev := <-queue:
					e.dispatch(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// Close stops async workers after the queue is drained. Safe to call twice.
func (e *EventBus) Close() {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
}

// Subscribe registers a handler for an event type. Returns unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[int64]subscription)
	}
	e.subs[typ][id] = subscription{id: id, fn: handler}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[typ], id)
	}
}

// SubscribeAll registers handler for every ledger event type.
func (e *EventBus) SubscribeAll(handler func(context.Context, core.Event)) func() {
	unsubs := []func(){
		e.Subscribe(core.EventRewardClaimed, handler),
		e.Subscribe(core.EventDiamondsSpent, handler),
		e.Subscribe(core.EventDiamondsCredited, handler),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish sends an event to subscribers. In async mode it never blocks: a full
// queue or a closed bus drops the event.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.mode != DispatchAsync {
		e.dispatch(ctx, ev)
		return
	}
	select {
	case <-e.done:
		e.dropped(ctx, ev, "bus closed")
		return
	default:
	}
	select {
	case e.queueFor(ev.UserID) <- ev:
	default:
		e.dropped(ctx, ev, "queue full")
	}
}

func (e *EventBus) queueFor(user core.UserID) chan core.Event {
	return e.queues[xxhash.Sum64String(string(user))%uint64(len(e.queues))]
}

func (e *EventBus) dropped(ctx context.Context, ev core.Event, reason string) {
	metrics.RecordEvent(string(ev.Type), "dropped")
	e.logger.WarnContext(ctx, "ledger event dropped", "type", ev.Type, "user_id", ev.UserID, "reason", reason)
}

func (e *EventBus) dispatch(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.subs[ev.Type]))
	for _, s := range e.subs[ev.Type] {
		handlers = append(handlers, s.fn)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		e.invoke(ctx, h, ev)
	}
	metrics.RecordEvent(string(ev.Type), "delivered")
}

func (e *EventBus) invoke(ctx context.Context, h Handler, ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordEvent(string(ev.Type), "handler_panic")
			e.logger.ErrorContext(ctx, "event handler panicked", "type", ev.Type, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(ctx, ev)
}
