package subscription_test

import (
	"testing"
	"time"

	"github.com/buildsource/stockyard/internal/subscription"
	"github.com/buildsource/stockyard/pkg/wire"
)

func priceEvent(resourceID, resourceType string) wire.Event {
	return wire.Event{
		EventType:    "price_changed",
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Timestamp:    time.Now().UTC(),
		Changes:      []wire.FieldChange{{Field: "price", Old: 4.25, New: 4.75}},
		Attributes:   map[string]any{"price": 4.75},
	}
}

func TestMatchesEmptySpecMatchesAll(t *testing.T) {
	table := subscription.NewTable(0)
	sub, err := table.Add(subscription.Spec{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !sub.Matches(priceEvent("r-1", "lumber")) {
		t.Error("empty spec did not match")
	}
	if !sub.Matches(wire.Event{EventType: "stock_changed", ResourceID: "r-9"}) {
		t.Error("empty spec did not match stock_changed")
	}
}

func TestMatchesAndSemantics(t *testing.T) {
	table := subscription.NewTable(0)
	sub, err := table.Add(subscription.Spec{
		ResourceIDs:   []string{"r-1", "r-2"},
		ResourceTypes: []string{"lumber"},
		EventTypes:    []string{"price_changed"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	cases := []struct {
		name string
		ev   wire.Event
		want bool
	}{
		{"all dimensions match", priceEvent("r-1", "lumber"), true},
		{"second id matches", priceEvent("r-2", "lumber"), true},
		{"wrong resource id", priceEvent("r-3", "lumber"), false},
		{"wrong resource type", priceEvent("r-1", "hardware"), false},
		{"wrong event type", wire.Event{EventType: "stock_changed", ResourceID: "r-1", ResourceType: "lumber"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sub.Matches(tc.ev); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchesAttributeFilter(t *testing.T) {
	table := subscription.NewTable(0)
	sub, err := table.Add(subscription.Spec{
		EventTypes: []string{"price_changed"},
		Filter:     `attributes.price > 4.5`,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	high := priceEvent("r-1", "lumber")
	if !sub.Matches(high) {
		t.Error("price 4.75 did not pass filter > 4.5")
	}

	low := priceEvent("r-1", "lumber")
	low.Attributes = map[string]any{"price": 3.10}
	if sub.Matches(low) {
		t.Error("price 3.10 passed filter > 4.5")
	}

	// Missing attribute fails closed.
	bare := wire.Event{EventType: "price_changed", ResourceID: "r-1"}
	if sub.Matches(bare) {
		t.Error("event without attributes passed filter")
	}
}

func TestAddRejectsBadFilter(t *testing.T) {
	table := subscription.NewTable(0)
	if _, err := table.Add(subscription.Spec{Filter: `price >>>`}); err == nil {
		t.Error("Add accepted an unparsable filter")
	}
	if table.Count() != 0 {
		t.Errorf("Count() = %d after rejected add", table.Count())
	}
}

func TestRouteDeliversToMatchingSubscriptionsOnly(t *testing.T) {
	table := subscription.NewTable(4)
	lumber, err := table.Add(subscription.Spec{ResourceTypes: []string{"lumber"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	hardware, err := table.Add(subscription.Spec{ResourceTypes: []string{"hardware"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if n := table.Route("mill-co", priceEvent("r-1", "lumber")); n != 1 {
		t.Errorf("Route delivered to %d subscriptions, want 1", n)
	}

	select {
	case d := <-lumber.Events():
		if d.ProviderID != "mill-co" || d.Event.ResourceID != "r-1" {
			t.Errorf("delivery = %+v", d)
		}
	default:
		t.Error("lumber subscription received nothing")
	}
	select {
	case d := <-hardware.Events():
		t.Errorf("hardware subscription received %+v", d)
	default:
	}
}

func TestRouteDropsWhenBufferFull(t *testing.T) {
	table := subscription.NewTable(1)
	sub, err := table.Add(subscription.Spec{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if n := table.Route("mill-co", priceEvent("r-1", "lumber")); n != 1 {
		t.Fatalf("first Route = %d", n)
	}
	// Buffer is full; the second event is dropped, not blocked on.
	if n := table.Route("mill-co", priceEvent("r-2", "lumber")); n != 0 {
		t.Errorf("second Route = %d, want 0", n)
	}

	d := <-sub.Events()
	if d.Event.ResourceID != "r-1" {
		t.Errorf("kept event = %q, want r-1", d.Event.ResourceID)
	}
}

func TestRemoveClosesChannel(t *testing.T) {
	table := subscription.NewTable(1)
	sub, err := table.Add(subscription.Spec{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	removed, ok := table.Remove(sub.ID())
	if !ok || removed.ID() != sub.ID() {
		t.Fatalf("Remove = %v, %v", removed, ok)
	}
	if sub.Active() {
		t.Error("removed subscription still active")
	}
	if _, open := <-sub.Events(); open {
		t.Error("events channel still open after remove")
	}

	// Routing after removal reaches nobody.
	if n := table.Route("mill-co", priceEvent("r-1", "lumber")); n != 0 {
		t.Errorf("Route after remove = %d", n)
	}
	if _, ok := table.Remove(sub.ID()); ok {
		t.Error("second Remove succeeded")
	}
}

func TestTableGetAndCount(t *testing.T) {
	table := subscription.NewTable(1)
	a, err := table.Add(subscription.Spec{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := table.Add(subscription.Spec{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if table.Count() != 2 {
		t.Errorf("Count() = %d", table.Count())
	}
	got, ok := table.Get(a.ID())
	if !ok || got.ID() != a.ID() {
		t.Errorf("Get = %v, %v", got, ok)
	}
	if len(table.All()) != 2 {
		t.Errorf("All() len = %d", len(table.All()))
	}
}
