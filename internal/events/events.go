// Package events implements the event router spec.md §4.9 describes
// (component C9): callers register a callback against a target name (a
// host or a group) and an event type, and Dispatch fans an incoming
// (host, event_type, data) triple out to every handler whose target
// names that host directly or names a group the host belongs to. A
// single global callback, installed separately, also observes every
// dispatched event regardless of target.
//
// Listen drains event frames from every cached gate connection
// concurrently until a timeout elapses, the caller's context is
// cancelled, or every connection has closed.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/forgewire/ftl/internal/gatelife"
	"github.com/forgewire/ftl/internal/wire"
)

// Callback receives one dispatched event: the host it originated on,
// its event type, and its decoded payload.
type Callback func(host, eventType string, data map[string]any)

// GroupsOf returns the names of every group host belongs to. The
// router calls this once per dispatched event, so it should be cheap (a map lookup, not a parse).
type GroupsOf func(host string) []string

// Router is the registration/dispatch table spec.md §4.9 describes.
// The zero value is not usable; construct with NewRouter.
type Router struct {
	groupsOf GroupsOf

	mu       sync.RWMutex
	handlers map[string]map[string][]Callback // target -> event type -> callbacks
	global   Callback
}

// NewRouter creates a Router. groupsOf resolves group membership for
// dispatch's step 2; a nil groupsOf is treated as "no host belongs to
// any group" (direct and global dispatch still work).
func NewRouter(groupsOf GroupsOf) *Router {
	if groupsOf == nil {
		groupsOf = func(string) []string { return nil }
	}
	return &Router{groupsOf: groupsOf, handlers: map[string]map[string][]Callback{}}
}

// On registers cb against target (a host name or a group name) for
// eventType. Multiple handlers may be registered for the same
// (target, eventType) pair; all of them fire, in registration order.
func (r *Router) On(target, eventType string, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.handlers[target]
	if !ok {
		byType = map[string][]Callback{}
		r.handlers[target] = byType
	}
	byType[eventType] = append(byType[eventType], cb)
}

// OnGlobal installs the single callback that observes every dispatched
// event regardless of target, with payload {event, host, ...data}.
// Installing a second global callback replaces the first.
func (r *Router) OnGlobal(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = cb
}

// Dispatch delivers one (host, eventType, data) event per spec.md
// §4.9's three-step contract: direct host-name handlers first, then
// every other registered target whose name is a group containing
// host, then the global callback.
func (r *Router) Dispatch(host, eventType string, data map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if byType, ok := r.handlers[host]; ok {
		for _, cb := range byType[eventType] {
			cb(host, eventType, data)
		}
	}

	groups := r.groupsOf(host)
	for target, byType := range r.handlers {
		if target == host {
			continue
		}
		if !containsString(groups, target) {
			continue
		}
		for _, cb := range byType[eventType] {
			cb(host, eventType, data)
		}
	}

	if r.global != nil {
		payload := make(map[string]any, len(data)+2)
		for k, v := range data {
			payload[k] = v
		}
		payload["event"] = eventType
		payload["host"] = host
		r.global(host, eventType, payload)
	}
}

// HandleFrame decodes a gate wire event frame and dispatches it. It is
// the EventHandler gatelife.Manager.OnEvent and gatelife.Connection
// both expect.
func (r *Router) HandleFrame(host string, f wire.Frame) {
	var data map[string]any
	_ = wire.Decode(f, &data)
	r.Dispatch(host, string(f.Type), data)
}

// Listen blocks, draining event frames from every connection in conns
// concurrently, until timeout elapses (a timeout <= 0 means no
// deadline), ctx is cancelled, or every connection has closed. Each
// drained event is dispatched through HandleFrame exactly as if it had
// arrived during a Request round trip.
func (r *Router) Listen(ctx context.Context, conns map[string]*gatelife.Connection, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	for host, conn := range conns {
		wg.Add(1)
		go func(host string, conn *gatelife.Connection) {
			defer wg.Done()
			for {
				f, err := conn.PollEvent(ctx)
				if err != nil {
					return
				}
				if wire.IsEvent(f.Type) {
					r.HandleFrame(host, f)
				}
			}
		}(host, conn)
	}
	wg.Wait()
	return nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
