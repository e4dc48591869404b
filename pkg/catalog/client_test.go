package catalog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/buildsource/stockyard/internal/aggregate"
	"github.com/buildsource/stockyard/internal/cachestore/memory"
	"github.com/buildsource/stockyard/internal/conn"
	"github.com/buildsource/stockyard/internal/providertest"
	"github.com/buildsource/stockyard/internal/subscription"
	"github.com/buildsource/stockyard/pkg/catalog"
	stockerrors "github.com/buildsource/stockyard/pkg/errors"
	"github.com/buildsource/stockyard/pkg/provider"
	"github.com/buildsource/stockyard/pkg/wire"
)

func testOptions() catalog.Options {
	return catalog.Options{
		Source:             "stockyard-test",
		DefaultTimeout:     5 * time.Second,
		ReconnectDelay:     20 * time.Millisecond,
		PingInterval:       time.Minute,
		EventBuffer:        16,
		CacheTTL:           5 * time.Minute,
		CacheSweepInterval: time.Minute,
	}
}

// newClient builds and connects a client against the given providers.
func newClient(t *testing.T, opts catalog.Options, providers ...provider.Provider) *catalog.Client {
	t.Helper()
	reg, err := provider.NewRegistry(providers)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	client := catalog.New(reg, memory.New(), opts, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func waitConnected(t *testing.T, client *catalog.Client, providerIDs ...string) {
	t.Helper()
	waitFor(t, func() bool {
		for _, id := range providerIDs {
			if !client.Connected(id) {
				return false
			}
		}
		return true
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func pineStud(id string) wire.Resource {
	return wire.Resource{
		ID:         id,
		Type:       "lumber",
		Name:       "2x4 pine stud",
		Attributes: map[string]any{"price": 4.25, "in_stock": true},
	}
}

func TestGetResourceCaches(t *testing.T) {
	fake := providertest.New("mill-co", providertest.WithResources(pineStud("r-1")))
	t.Cleanup(fake.Close)

	client := newClient(t, testOptions(), fake.Definition())
	waitConnected(t, client, "mill-co")

	ctx := context.Background()
	got, err := client.GetResource(ctx, "mill-co", "r-1")
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if got.Name != "2x4 pine stud" {
		t.Errorf("name = %q", got.Name)
	}
	if got.Provider() != "mill-co" {
		t.Errorf("provider tag = %q", got.Provider())
	}
	requests := fake.Requests()

	// Second lookup is served from the cache without touching the wire.
	again, err := client.GetResource(ctx, "mill-co", "r-1")
	if err != nil {
		t.Fatalf("GetResource (cached): %v", err)
	}
	if again.ID != "r-1" {
		t.Errorf("cached resource id = %q", again.ID)
	}
	if fake.Requests() != requests {
		t.Errorf("cached lookup reached the provider: %d -> %d requests", requests, fake.Requests())
	}
}

func TestGetResourceErrors(t *testing.T) {
	fake := providertest.New("mill-co")
	t.Cleanup(fake.Close)

	client := newClient(t, testOptions(), fake.Definition())
	waitConnected(t, client, "mill-co")
	ctx := context.Background()

	_, err := client.GetResource(ctx, "mill-co", "absent")
	perr, ok := stockerrors.AsProviderError(err)
	if !ok {
		t.Fatalf("GetResource(absent) = %v, want ProviderError", err)
	}
	if perr.Code != "NOT_FOUND" || perr.Provider != "mill-co" {
		t.Errorf("ProviderError = %+v", perr)
	}

	if _, err := client.GetResource(ctx, "ghost", "r-1"); !errors.Is(err, stockerrors.ErrUnknownProvider) {
		t.Errorf("GetResource(ghost) = %v, want ErrUnknownProvider", err)
	}
}

func TestGetResourceTimesOut(t *testing.T) {
	fake := providertest.New("mill-co", providertest.WithSilentRequests())
	t.Cleanup(fake.Close)

	opts := testOptions()
	opts.DefaultTimeout = 50 * time.Millisecond
	client := newClient(t, opts, fake.Definition())
	waitConnected(t, client, "mill-co")

	if _, err := client.GetResource(context.Background(), "mill-co", "r-1"); !errors.Is(err, stockerrors.ErrTimeout) {
		t.Errorf("GetResource = %v, want ErrTimeout", err)
	}
}

func TestGetResourceWithoutConnection(t *testing.T) {
	// Endpoint nobody listens on; the client keeps retrying in the
	// background while calls fail fast.
	down := provider.Provider{
		ID:           "downtown",
		Name:         "downtown",
		Endpoint:     "ws://127.0.0.1:9/ws",
		Capabilities: []provider.Capability{provider.CapabilitySearch},
	}
	client := newClient(t, testOptions(), down)

	if _, err := client.GetResource(context.Background(), "downtown", "r-1"); !errors.Is(err, stockerrors.ErrNoConnection) {
		t.Errorf("GetResource = %v, want ErrNoConnection", err)
	}
	if client.Status()["downtown"] != conn.StateDisconnected {
		t.Errorf("status = %v, want disconnected", client.Status()["downtown"])
	}
}

func TestSearchAcrossProviders(t *testing.T) {
	mill := providertest.New("mill-co", providertest.WithResources(
		pineStud("m-1"),
		wire.Resource{ID: "m-2", Type: "lumber", Name: "oak board", Attributes: map[string]any{"price": 9.10}},
	))
	t.Cleanup(mill.Close)
	shed := providertest.New("toolshed", providertest.WithResources(
		wire.Resource{ID: "t-1", Type: "lumber", Name: "pine board", Attributes: map[string]any{"price": 6.40}},
	))
	t.Cleanup(shed.Close)

	client := newClient(t, testOptions(), mill.Definition(), shed.Definition())
	waitConnected(t, client, "mill-co", "toolshed")

	result, err := client.Search(context.Background(), wire.SearchRequest{Query: "pine"}, aggregate.Pagination{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Total != 2 {
		t.Errorf("Total = %d, want 2", result.Total)
	}
	if result.FailedProviders != 0 {
		t.Errorf("FailedProviders = %d", result.FailedProviders)
	}
	seen := map[string]bool{}
	for _, r := range result.Resources {
		seen[r.Provider()] = true
	}
	if !seen["mill-co"] || !seen["toolshed"] {
		t.Errorf("providers in result = %v", seen)
	}
}

func TestSearchPartialFailure(t *testing.T) {
	mill := providertest.New("mill-co", providertest.WithResources(pineStud("m-1")))
	t.Cleanup(mill.Close)
	down := provider.Provider{
		ID:           "downtown",
		Name:         "downtown",
		Endpoint:     "ws://127.0.0.1:9/ws",
		Capabilities: []provider.Capability{provider.CapabilitySearch},
	}

	client := newClient(t, testOptions(), mill.Definition(), down)
	waitConnected(t, client, "mill-co")

	result, err := client.Search(context.Background(), wire.SearchRequest{Query: "pine"}, aggregate.Pagination{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Resources) != 1 || result.Resources[0].ID != "m-1" {
		t.Errorf("resources = %+v", result.Resources)
	}
	if result.FailedProviders != 1 {
		t.Errorf("FailedProviders = %d, want 1", result.FailedProviders)
	}
}

func TestInvokeCapability(t *testing.T) {
	fake := providertest.New("mill-co", providertest.WithInvoke(
		func(inv wire.CapabilityInvocation) (map[string]any, *wire.ErrorDetail) {
			if inv.Capability != string(provider.CapabilityCustomCut) {
				return nil, &wire.ErrorDetail{Code: "UNSUPPORTED", Message: inv.Capability}
			}
			return map[string]any{"total": 12.50, "currency": "USD"}, nil
		}))
	t.Cleanup(fake.Close)

	client := newClient(t, testOptions(), fake.Definition(provider.CapabilitySearch, provider.CapabilityCustomCut))
	waitConnected(t, client, "mill-co")
	ctx := context.Background()

	result, err := client.Invoke(ctx, "mill-co", provider.CapabilityCustomCut, map[string]any{"length_mm": 450})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result["total"] != 12.50 {
		t.Errorf("total = %v", result["total"])
	}

	// The capability gate is checked locally before anything is sent.
	if _, err := client.Invoke(ctx, "mill-co", provider.CapabilityReserve, nil); !errors.Is(err, stockerrors.ErrUnknownCapability) {
		t.Errorf("Invoke(reserve) = %v, want ErrUnknownCapability", err)
	}
	if _, err := client.Invoke(ctx, "ghost", provider.CapabilityCustomCut, nil); !errors.Is(err, stockerrors.ErrUnknownProvider) {
		t.Errorf("Invoke(ghost) = %v, want ErrUnknownProvider", err)
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	fake := providertest.New("mill-co", providertest.WithResources(pineStud("r-1")))
	t.Cleanup(fake.Close)

	client := newClient(t, testOptions(), fake.Definition())
	waitConnected(t, client, "mill-co")
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, subscription.Spec{
		EventTypes: []string{"price_changed"},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev := wire.Event{
		EventType:  "price_changed",
		ResourceID: "r-1",
		Timestamp:  time.Now().UTC(),
		Changes:    []wire.FieldChange{{Field: "price", Old: 4.25, New: 4.75}},
	}
	if err := fake.PushEvent(ev); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}

	select {
	case d := <-sub.Events():
		if d.ProviderID != "mill-co" || d.Event.ResourceID != "r-1" {
			t.Errorf("delivery = %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	// Non-matching events never reach the channel.
	if err := fake.PushEvent(wire.Event{EventType: "stock_changed", ResourceID: "r-1", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	select {
	case d := <-sub.Events():
		t.Errorf("unexpected delivery %+v", d)
	case <-time.After(100 * time.Millisecond):
	}

	if err := client.Unsubscribe(ctx, sub.ID()); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if sub.Active() {
		t.Error("subscription still active after Unsubscribe")
	}
	if err := client.Unsubscribe(ctx, sub.ID()); !errors.Is(err, stockerrors.ErrNotFound) {
		t.Errorf("second Unsubscribe = %v, want ErrNotFound", err)
	}
}

func TestEventInvalidatesCache(t *testing.T) {
	fake := providertest.New("mill-co", providertest.WithResources(pineStud("r-1")))
	t.Cleanup(fake.Close)

	client := newClient(t, testOptions(), fake.Definition())
	waitConnected(t, client, "mill-co")
	ctx := context.Background()

	if _, err := client.GetResource(ctx, "mill-co", "r-1"); err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	requests := fake.Requests()

	if err := fake.PushEvent(wire.Event{
		EventType:  "price_changed",
		ResourceID: "r-1",
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}

	// The event evicts the cached snapshot, so the next lookup goes back to
	// the provider.
	waitFor(t, func() bool {
		if _, err := client.GetResource(ctx, "mill-co", "r-1"); err != nil {
			t.Fatalf("GetResource after event: %v", err)
		}
		return fake.Requests() > requests
	})
}

func TestStateTransitions(t *testing.T) {
	fake := providertest.New("mill-co")

	states := make(chan conn.State, 16)
	reg, err := provider.NewRegistry([]provider.Provider{fake.Definition()})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	client := catalog.New(reg, memory.New(), testOptions(), nil,
		catalog.WithStateListener(func(providerID string, state conn.State) {
			states <- state
		}))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	expectState := func(want conn.State) {
		t.Helper()
		select {
		case got := <-states:
			if got != want {
				t.Fatalf("state = %v, want %v", got, want)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("no %v transition", want)
		}
	}

	expectState(conn.StateConnected)
	fake.Close()
	expectState(conn.StateDisconnected)
}

func TestReconnectRestoresService(t *testing.T) {
	fake := providertest.New("mill-co", providertest.WithResources(pineStud("r-reconnect")))
	t.Cleanup(fake.Close)

	client := newClient(t, testOptions(), fake.Definition())
	waitConnected(t, client, "mill-co")

	fake.Stop()
	waitFor(t, func() bool { return !client.Connected("mill-co") })

	ctx := context.Background()
	if _, err := client.GetResource(ctx, "mill-co", "r-reconnect"); !errors.Is(err, stockerrors.ErrNoConnection) {
		t.Fatalf("GetResource while down = %v, want ErrNoConnection", err)
	}

	if err := fake.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitConnected(t, client, "mill-co")

	got, err := client.GetResource(ctx, "mill-co", "r-reconnect")
	if err != nil {
		t.Fatalf("GetResource after reconnect: %v", err)
	}
	if got.ID != "r-reconnect" {
		t.Errorf("resource ID = %q, want %q", got.ID, "r-reconnect")
	}
}

func TestConnectAfterClose(t *testing.T) {
	fake := providertest.New("mill-co")
	t.Cleanup(fake.Close)

	reg, err := provider.NewRegistry([]provider.Provider{fake.Definition()})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	client := catalog.New(reg, memory.New(), testOptions(), nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Connect(context.Background()); !errors.Is(err, stockerrors.ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}
