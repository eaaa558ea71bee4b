// Package router decodes transport frames into typed events and dispatches
// them to registered handlers.
//
// All handlers run on one dispatch goroutine, in arrival order, so no two
// handlers ever execute concurrently.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/rickgao/farmlink-sync/internal/connection"
	"github.com/rickgao/farmlink-sync/internal/metrics"
)

// binding is one registered handler, type-erased.
type binding struct {
	id HandlerID
	fn func(room string, payload any, f connection.Frame)
}

// route holds the decoder and handlers of one event name.
type route struct {
	decode   func(json.RawMessage) (any, error)
	bindings []binding
}

// Router is the typed event dispatch table.
type Router struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate

	queue *Queue[connection.Frame]

	mu     sync.RWMutex
	routes map[string]*route
	nextID HandlerID

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New creates a router.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Router{
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		metrics:  m,
		validate: validator.New(),
		queue:    NewQueue[connection.Frame](cfg.QueueSize),
		routes:   make(map[string]*route),
	}
}

// On registers fn for ev and returns an id for Off. Handlers of one event run
// in registration order.
func On[T any](r *Router, ev Event[T], fn Handler[T]) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.routes[ev.Name]
	if !ok {
		rt = &route{decode: decoderFor[T](r.validate)}
		r.routes[ev.Name] = rt
	}
	r.nextID++
	id := r.nextID
	rt.bindings = append(rt.bindings, binding{
		id: id,
		fn: func(room string, payload any, f connection.Frame) {
			fn(Message[T]{Room: room, Payload: payload.(T), ReceivedAt: f.ReceivedAt})
		},
	})
	return id
}

// Off removes the handlers with the given ids from ev, or every handler of
// ev when no id is given. It returns the number removed.
func Off[T any](r *Router, ev Event[T], ids ...HandlerID) int {
	return r.off(ev.Name, ids)
}

func (r *Router) off(name string, ids []HandlerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.routes[name]
	if !ok {
		return 0
	}
	if len(ids) == 0 {
		n := len(rt.bindings)
		delete(r.routes, name)
		return n
	}

	drop := make(map[HandlerID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := make([]binding, 0, len(rt.bindings))
	for _, b := range rt.bindings {
		if !drop[b.id] {
			kept = append(kept, b)
		}
	}
	removed := len(rt.bindings) - len(kept)
	if len(kept) == 0 {
		delete(r.routes, name)
	} else {
		rt.bindings = kept
	}
	return removed
}

// Handlers returns the number of handlers registered for name.
func (r *Router) Handlers(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.routes[name]; ok {
		return len(rt.bindings)
	}
	return 0
}

// decoderFor returns a decoder that unmarshals and validates a T.
func decoderFor[T any](v *validator.Validate) func(json.RawMessage) (any, error) {
	return func(data json.RawMessage) (any, error) {
		var payload T
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", errDecode, err)
		}
		if err := v.Struct(&payload); err != nil {
			var invalid *validator.InvalidValidationError
			if !errors.As(err, &invalid) {
				return nil, fmt.Errorf("%w: %v", errInvalid, err)
			}
		}
		return payload, nil
	}
}

var (
	errDecode  = errors.New("decode payload")
	errInvalid = errors.New("invalid payload")
)

// Start consumes frames until the channel closes or Stop is called.
func (r *Router) Start(ctx context.Context, frames <-chan connection.Frame) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.routeLoop(frames)
	go r.dispatchLoop()

	r.logger.Info("event router started", "queue_size", r.cfg.QueueSize)
	return nil
}

// Stop shuts down the router. Queued frames are dispatched before it returns
// unless ctx expires first.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	if r.cancel != nil {
		r.cancel()
	}
	r.queue.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out", "queued", r.queue.Len())
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	st := r.stats
	r.statsMu.Unlock()
	st.Queue = r.queue.Stats()
	return st
}

// routeLoop moves frames from the transport onto the dispatch queue.
func (r *Router) routeLoop(frames <-chan connection.Frame) {
	defer r.wg.Done()
	defer r.queue.Close()

	for {
		select {
		case <-r.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				r.logger.Info("frame channel closed")
				return
			}
			r.count(func(s *Stats) { s.Received++ })
			if !r.queue.Push(f) {
				return
			}
		}
	}
}

// dispatchLoop is the single goroutine running handlers.
func (r *Router) dispatchLoop() {
	defer r.wg.Done()
	for {
		f, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.Dispatch(f)
	}
}

// Dispatch decodes f and runs its handlers on the calling goroutine. Callers
// other than the dispatch loop must not run concurrently with a started router.
func (r *Router) Dispatch(f connection.Frame) {
	r.mu.RLock()
	rt, ok := r.routes[f.Event]
	var decode func(json.RawMessage) (any, error)
	var bindings []binding
	if ok {
		decode = rt.decode
		bindings = append(bindings, rt.bindings...)
	}
	r.mu.RUnlock()

	if !ok {
		r.count(func(s *Stats) { s.Unhandled++ })
		r.metrics.EventDropped("unhandled")
		r.logger.Debug("no handler for event", "event", f.Event, "room", f.Room)
		return
	}

	payload, err := decode(f.Data)
	if err != nil {
		reason := "malformed_payload"
		if errors.Is(err, errInvalid) {
			reason = "invalid_payload"
			r.count(func(s *Stats) { s.InvalidEvents++ })
		} else {
			r.count(func(s *Stats) { s.ParseErrors++ })
		}
		r.metrics.EventDropped(reason)
		r.logger.Warn("dropping event", "event", f.Event, "room", f.Room, "error", err)
		return
	}

	for _, b := range bindings {
		r.invoke(b, f, payload)
	}
	r.count(func(s *Stats) { s.Routed++ })
	r.metrics.EventRouted(f.Event)
}

// invoke runs one handler, containing a panic to that handler.
func (r *Router) invoke(b binding, f connection.Frame, payload any) {
	defer func() {
		if p := recover(); p != nil {
			r.count(func(s *Stats) { s.HandlerPanics++ })
			r.logger.Error("event handler panicked", "event", f.Event, "handler", b.id, "panic", p)
		}
	}()
	b.fn(f.Room, payload, f)
}

func (r *Router) count(fn func(*Stats)) {
	r.statsMu.Lock()
	fn(&r.stats)
	r.statsMu.Unlock()
}
