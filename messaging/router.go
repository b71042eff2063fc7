package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/asyncop-go/contracts"
)

// Router maps topics to handlers and dispatches envelopes to them
type Router struct {
	mu     sync.RWMutex
	routes map[string][]route
	nextID uint64
	logger *slog.Logger
}

type route struct {
	id      uint64
	handler EventHandler
}

// NewRouter creates an empty router
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		routes: make(map[string][]route),
		logger: logger,
	}
}

// Add registers handler for topic. first reports whether topic had no handlers
// before, which transports use to decide whether to subscribe upstream.
func (r *Router) Add(topic string, handler EventHandler) (id uint64, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id = r.nextID
	first = len(r.routes[topic]) == 0
	r.routes[topic] = append(r.routes[topic], route{id: id, handler: handler})
	return id, first
}

// Remove unregisters the handler with id from topic. last reports whether topic
// has no handlers left.
func (r *Router) Remove(topic string, id uint64) (removed bool, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	routes := r.routes[topic]
	for i, rt := range routes {
		if rt.id != id {
			continue
		}
		routes = append(routes[:i:i], routes[i+1:]...)
		if len(routes) == 0 {
			delete(r.routes, topic)
			return true, true
		}
		r.routes[topic] = routes
		return true, false
	}
	return false, len(routes) == 0
}

// Dispatch delivers env to every handler registered for its topic, in
// registration order. Handlers may add or remove routes while running.
func (r *Router) Dispatch(ctx context.Context, env *contracts.Envelope) int {
	r.mu.RLock()
	routes := make([]route, len(r.routes[env.Topic]))
	copy(routes, r.routes[env.Topic])
	r.mu.RUnlock()

	for _, rt := range routes {
		if err := r.invoke(ctx, rt.handler, env); err != nil {
			r.logger.Warn("event handler failed",
				"topic", env.Topic,
				"eventId", env.ID,
				"error", err,
			)
		}
	}
	return len(routes)
}

func (r *Router) invoke(ctx context.Context, handler EventHandler, env *contracts.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in event handler: %v", rec)
		}
	}()
	return handler(ctx, env)
}

// Has reports whether topic has at least one handler
func (r *Router) Has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes[topic]) > 0
}

// Len returns the number of registered handlers across all topics
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, routes := range r.routes {
		n += len(routes)
	}
	return n
}

// Topics returns the topics with at least one handler, sorted
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.routes))
	for topic := range r.routes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
