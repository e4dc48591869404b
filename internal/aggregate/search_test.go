package aggregate_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildsource/stockyard/internal/aggregate"
	"github.com/buildsource/stockyard/internal/cache"
	"github.com/buildsource/stockyard/internal/cachestore/memory"
	"github.com/buildsource/stockyard/pkg/provider"
	"github.com/buildsource/stockyard/pkg/wire"
)

// fakeCaller answers search calls from canned per-provider results.
type fakeCaller struct {
	mu      sync.Mutex
	results map[string]wire.SearchResult
	fail    map[string]error
	// sent records the search payload each provider received.
	sent map[string]wire.SearchRequest
}

func (f *fakeCaller) Call(ctx context.Context, providerID string, req *wire.Message, timeout time.Duration) (*wire.Message, error) {
	var payload wire.SearchRequest
	if err := req.DecodePayload(&payload); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.sent == nil {
		f.sent = make(map[string]wire.SearchRequest)
	}
	f.sent[providerID] = payload
	failErr := f.fail[providerID]
	result := f.results[providerID]
	f.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	return wire.NewResponse(req, providerID, wire.TypeSearchResult, result)
}

func newRegistry(t *testing.T, ids ...string) *provider.Registry {
	t.Helper()
	providers := make([]provider.Provider, len(ids))
	for i, id := range ids {
		providers[i] = provider.Provider{
			ID:           id,
			Name:         id,
			Endpoint:     "ws://" + id + ".example/ws",
			Capabilities: []provider.Capability{provider.CapabilitySearch},
		}
	}
	reg, err := provider.NewRegistry(providers)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func lumber(id, name string) wire.Resource {
	return wire.Resource{ID: id, Type: "lumber", Name: name}
}

func TestSearchMergesInRegistryOrder(t *testing.T) {
	caller := &fakeCaller{results: map[string]wire.SearchResult{
		"mill-co":  {Resources: []wire.Resource{lumber("m-1", "plywood sheet"), lumber("m-2", "oak board")}, Total: 2},
		"toolshed": {Resources: []wire.Resource{lumber("t-1", "cedar plank")}, Total: 1},
	}}
	agg := aggregate.New(newRegistry(t, "mill-co", "toolshed"), caller, nil, aggregate.Options{Source: "test"}, nil)

	result, err := agg.Search(context.Background(), wire.SearchRequest{}, aggregate.Pagination{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Total != 3 {
		t.Errorf("Total = %d, want 3", result.Total)
	}
	got := resourceIDs(result.Resources)
	want := []string{"m-1", "m-2", "t-1"}
	if !equal(got, want) {
		t.Errorf("merge order = %v, want %v", got, want)
	}
	for _, r := range result.Resources {
		if r.Provider() == "" {
			t.Errorf("resource %s missing provider tag", r.ID)
		}
	}
}

func TestSearchRelevanceOrdering(t *testing.T) {
	caller := &fakeCaller{results: map[string]wire.SearchResult{
		"mill-co":  {Resources: []wire.Resource{lumber("m-1", "plywood sheet"), lumber("m-2", "Pine stud 2x4")}},
		"toolshed": {Resources: []wire.Resource{lumber("t-1", "pine board"), lumber("t-2", "oak board")}},
	}}
	agg := aggregate.New(newRegistry(t, "mill-co", "toolshed"), caller, nil, aggregate.Options{Source: "test"}, nil)

	result, err := agg.Search(context.Background(), wire.SearchRequest{Query: "pine"}, aggregate.Pagination{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	// Name matches first, ties keep merge order.
	got := resourceIDs(result.Resources)
	want := []string{"m-2", "t-1", "m-1", "t-2"}
	if !equal(got, want) {
		t.Errorf("relevance order = %v, want %v", got, want)
	}
}

func TestSearchMergesFacets(t *testing.T) {
	caller := &fakeCaller{results: map[string]wire.SearchResult{
		"mill-co":  {Facets: map[string]map[string]int{"species": {"pine": 2}}},
		"toolshed": {Facets: map[string]map[string]int{"species": {"pine": 1, "oak": 3}}},
	}}
	agg := aggregate.New(newRegistry(t, "mill-co", "toolshed"), caller, nil, aggregate.Options{Source: "test"}, nil)

	result, err := agg.Search(context.Background(), wire.SearchRequest{}, aggregate.Pagination{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	species := result.Facets["species"]
	if len(species) != 2 {
		t.Fatalf("species facets = %v", species)
	}
	// pine 2+1 and oak 3 tie on count; lexical order breaks the tie.
	if species[0] != (aggregate.FacetValue{Value: "oak", Count: 3}) {
		t.Errorf("facet[0] = %+v", species[0])
	}
	if species[1] != (aggregate.FacetValue{Value: "pine", Count: 3}) {
		t.Errorf("facet[1] = %+v", species[1])
	}
}

func TestSearchPartialFailure(t *testing.T) {
	caller := &fakeCaller{
		results: map[string]wire.SearchResult{
			"mill-co": {Resources: []wire.Resource{lumber("m-1", "pine stud")}, Total: 1},
		},
		fail: map[string]error{"toolshed": fmt.Errorf("connection refused")},
	}
	agg := aggregate.New(newRegistry(t, "mill-co", "toolshed"), caller, nil, aggregate.Options{Source: "test"}, nil)

	result, err := agg.Search(context.Background(), wire.SearchRequest{Query: "pine"}, aggregate.Pagination{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Resources) != 1 || result.Resources[0].ID != "m-1" {
		t.Errorf("resources = %v", resourceIDs(result.Resources))
	}
	if result.FailedProviders != 1 {
		t.Errorf("FailedProviders = %d, want 1", result.FailedProviders)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "toolshed") {
		t.Errorf("Warnings = %v", result.Warnings)
	}
}

func TestSearchPagination(t *testing.T) {
	var resources []wire.Resource
	for i := 0; i < 5; i++ {
		resources = append(resources, lumber(fmt.Sprintf("m-%d", i), fmt.Sprintf("board %d", i)))
	}
	caller := &fakeCaller{results: map[string]wire.SearchResult{
		"mill-co": {Resources: resources, Total: 5},
	}}
	agg := aggregate.New(newRegistry(t, "mill-co"), caller, nil, aggregate.Options{Source: "test"}, nil)
	ctx := context.Background()

	first, err := agg.Search(ctx, wire.SearchRequest{}, aggregate.Pagination{Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !equal(resourceIDs(first.Resources), []string{"m-0", "m-1"}) {
		t.Errorf("first page = %v", resourceIDs(first.Resources))
	}
	if first.Total != 5 {
		t.Errorf("Total = %d, want 5", first.Total)
	}
	if first.NextPageToken == "" {
		t.Fatal("missing next page token")
	}

	offset, err := aggregate.DecodePageToken(first.NextPageToken)
	if err != nil {
		t.Fatalf("DecodePageToken: %v", err)
	}
	if offset != 2 {
		t.Errorf("decoded offset = %d, want 2", offset)
	}

	last, err := agg.Search(ctx, wire.SearchRequest{}, aggregate.Pagination{Offset: 4, Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !equal(resourceIDs(last.Resources), []string{"m-4"}) {
		t.Errorf("last page = %v", resourceIDs(last.Resources))
	}
	if last.NextPageToken != "" {
		t.Errorf("last page token = %q, want empty", last.NextPageToken)
	}

	past, err := agg.Search(ctx, wire.SearchRequest{}, aggregate.Pagination{Offset: 99, Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(past.Resources) != 0 || past.NextPageToken != "" {
		t.Errorf("past-the-end page = %v, token %q", resourceIDs(past.Resources), past.NextPageToken)
	}
}

func TestSearchDoesNotForwardPagination(t *testing.T) {
	caller := &fakeCaller{results: map[string]wire.SearchResult{
		"mill-co": {Resources: []wire.Resource{lumber("m-1", "pine stud")}},
	}}
	agg := aggregate.New(newRegistry(t, "mill-co"), caller, nil, aggregate.Options{Source: "test"}, nil)

	if _, err := agg.Search(context.Background(), wire.SearchRequest{Query: "pine", Limit: 2, Offset: 7}, aggregate.Pagination{Offset: 7, Limit: 2}); err != nil {
		t.Fatalf("Search: %v", err)
	}

	sent := caller.sent["mill-co"]
	if sent.Limit != 0 || sent.Offset != 0 {
		t.Errorf("provider saw limit=%d offset=%d, want zero", sent.Limit, sent.Offset)
	}
	if sent.Query != "pine" {
		t.Errorf("provider saw query %q", sent.Query)
	}
}

func TestSearchWriteThroughCache(t *testing.T) {
	caller := &fakeCaller{results: map[string]wire.SearchResult{
		"mill-co": {Resources: []wire.Resource{lumber("m-1", "pine stud")}},
	}}
	resourceCache := cache.New(memory.New(), 5*time.Minute, time.Minute, nil)
	t.Cleanup(func() { resourceCache.Close() })
	agg := aggregate.New(newRegistry(t, "mill-co"), caller, resourceCache, aggregate.Options{Source: "test"}, nil)

	ctx := context.Background()
	if _, err := agg.Search(ctx, wire.SearchRequest{Query: "pine"}, aggregate.Pagination{}); err != nil {
		t.Fatalf("Search: %v", err)
	}

	cached, ok := resourceCache.Get(ctx, "mill-co", "m-1")
	if !ok {
		t.Fatal("search result not written through to cache")
	}
	if cached.Provider() != "mill-co" {
		t.Errorf("cached provider tag = %q", cached.Provider())
	}
}

func TestPageTokenRejectsGarbage(t *testing.T) {
	for _, token := range []string{"not base64!!!", "aGVsbG8=", ""} {
		if _, err := aggregate.DecodePageToken(token); err == nil {
			t.Errorf("DecodePageToken(%q) succeeded", token)
		}
	}
}

func resourceIDs(resources []wire.Resource) []string {
	out := make([]string, len(resources))
	for i, r := range resources {
		out[i] = r.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
