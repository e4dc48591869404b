// Package subscription tracks client-side subscriptions and routes provider
// push events to every subscription whose predicate matches.
package subscription

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/buildsource/stockyard/internal/filter"
	"github.com/buildsource/stockyard/pkg/wire"
)

const DefaultBufferSize = 100

// Spec declares what a subscription wants to receive. Every specified
// predicate must match (logical AND); an unspecified predicate matches
// everything.
type Spec struct {
	ResourceIDs   []string
	ResourceTypes []string
	EventTypes    []string
	// Filter is an optional CEL expression over the event's attributes.
	Filter string
}

// Delivery is one event delivered to a subscription.
type Delivery struct {
	ProviderID string
	Event      wire.Event
}

// Subscription is a standing interest registration. It lives only in client
// memory and is not guaranteed to survive a reconnect without
// re-subscription.
type Subscription struct {
	id   string
	spec Spec

	resourceIDs   map[string]struct{}
	resourceTypes map[string]struct{}
	eventTypes    map[string]struct{}
	filter        *filter.Filter

	events chan Delivery
	active atomic.Bool
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Spec returns the declared predicate spec.
func (s *Subscription) Spec() Spec { return s.spec }

// Events returns the delivery channel. It is closed when the subscription is
// removed from the table.
func (s *Subscription) Events() <-chan Delivery { return s.events }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// Matches evaluates the subscription predicate against an event.
func (s *Subscription) Matches(ev wire.Event) bool {
	if len(s.resourceIDs) > 0 {
		if _, ok := s.resourceIDs[ev.ResourceID]; !ok {
			return false
		}
	}
	if len(s.resourceTypes) > 0 {
		if _, ok := s.resourceTypes[ev.ResourceType]; !ok {
			return false
		}
	}
	if len(s.eventTypes) > 0 {
		if _, ok := s.eventTypes[ev.EventType]; !ok {
			return false
		}
	}
	if s.filter != nil {
		if !s.filter.Match(ev.EventType, ev.ResourceID, ev.ResourceType, ev.Attributes) {
			return false
		}
	}
	return true
}

// deliver attempts a non-blocking send to the subscription's buffer.
// Returns false if the buffer is full (drop).
func (s *Subscription) deliver(d Delivery) bool {
	if !s.active.Load() {
		return false
	}
	select {
	case s.events <- d:
		return true
	default:
		return false
	}
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Table manages active subscriptions. One mutex guards the whole table; the
// route path under it is read-only.
type Table struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	bufferSize int
	log        *slog.Logger
}

// NewTable creates an empty subscription table.
func NewTable(bufferSize int) *Table {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Table{
		subs:       make(map[string]*Subscription),
		bufferSize: bufferSize,
		log:        slog.Default().With("component", "subscription"),
	}
}

// Add registers a new subscription, compiling its attribute filter.
func (t *Table) Add(spec Spec) (*Subscription, error) {
	var compiled *filter.Filter
	if spec.Filter != "" {
		var err error
		compiled, err = filter.Compile(spec.Filter)
		if err != nil {
			return nil, fmt.Errorf("compile filter: %w", err)
		}
	}

	s := &Subscription{
		id:            uuid.New().String(),
		spec:          spec,
		resourceIDs:   toSet(spec.ResourceIDs),
		resourceTypes: toSet(spec.ResourceTypes),
		eventTypes:    toSet(spec.EventTypes),
		filter:        compiled,
		events:        make(chan Delivery, t.bufferSize),
	}
	s.active.Store(true)

	t.mu.Lock()
	t.subs[s.id] = s
	t.mu.Unlock()
	return s, nil
}

// Remove unregisters a subscription and closes its delivery channel.
func (t *Table) Remove(id string) (*Subscription, bool) {
	t.mu.Lock()
	s, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()

	if !ok {
		return nil, false
	}
	s.active.Store(false)
	close(s.events)
	return s, true
}

// Get returns a subscription by id.
func (t *Table) Get(id string) (*Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[id]
	return s, ok
}

// All returns a snapshot of active subscriptions.
func (t *Table) All() []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active subscriptions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Route delivers the event to every matching subscription, returning the
// number of deliveries. Full buffers drop with a warning rather than block
// the caller.
func (t *Table) Route(providerID string, ev wire.Event) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	delivered := 0
	for _, s := range t.subs {
		if !s.Matches(ev) {
			continue
		}
		if s.deliver(Delivery{ProviderID: providerID, Event: ev}) {
			delivered++
		} else {
			t.log.Warn("subscription buffer full, dropping event",
				"subscription", s.id,
				"event_type", ev.EventType,
				"resource", ev.ResourceID,
			)
		}
	}
	return delivered
}
