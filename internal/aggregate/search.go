// Package aggregate fans a single logical search out to every capable
// provider and merges the independent responses into one virtual result set.
package aggregate

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buildsource/stockyard/internal/cache"
	"github.com/buildsource/stockyard/internal/observability"
	"github.com/buildsource/stockyard/pkg/provider"
	"github.com/buildsource/stockyard/pkg/wire"
)

// Caller performs a correlated request/response exchange with one provider.
type Caller interface {
	Call(ctx context.Context, providerID string, req *wire.Message, timeout time.Duration) (*wire.Message, error)
}

// Options configures the aggregator.
type Options struct {
	// Source identifies this client on outbound messages.
	Source string
	// Timeout bounds each per-provider search call.
	Timeout time.Duration
	// MaxConcurrent bounds the fan-out parallelism. Zero means unbounded.
	MaxConcurrent int
}

// Pagination is the caller's window over the merged result set.
type Pagination struct {
	Offset int
	Limit  int
}

// FacetValue is one value→count pair of a merged facet field.
type FacetValue struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Result is one page of the merged, sorted, virtual result set.
type Result struct {
	Resources []wire.Resource
	// Facets map each field to its values sorted by descending count.
	Facets map[string][]FacetValue
	// Total counts the entire merged set, not just this page.
	Total int
	// NextPageToken is an opaque encoding of the next offset, empty when no
	// further results remain.
	NextPageToken string
	// FailedProviders counts providers that were unreachable or errored and
	// were excluded from the merge.
	FailedProviders int
	Warnings        []string
}

// Aggregator presents N independent providers as one search endpoint.
type Aggregator struct {
	registry *provider.Registry
	caller   Caller
	cache    *cache.Cache
	opts     Options
	metrics  *observability.Metrics
	log      *slog.Logger
}

// New creates an aggregator. cache may be nil to disable write-through.
func New(registry *provider.Registry, caller Caller, resourceCache *cache.Cache, opts Options, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		registry: registry,
		caller:   caller,
		cache:    resourceCache,
		opts:     opts,
		metrics:  metrics,
		log:      slog.Default().With("component", "aggregate"),
	}
}

// Search fans the request out to every provider declaring the search
// capability. Providers that are unreachable or return an error are excluded
// from the merge and surfaced only as a warning count; partial results from
// the rest are still useful.
func (a *Aggregator) Search(ctx context.Context, req wire.SearchRequest, page Pagination) (*Result, error) {
	providers := a.registry.WithCapability(provider.CapabilitySearch)

	// Results indexed by registry position: the merge order is the
	// deterministic provider order, never arrival order.
	responses := make([]*wire.SearchResult, len(providers))
	var warnMu sync.Mutex
	var warnings []string

	g, gctx := errgroup.WithContext(ctx)
	if a.opts.MaxConcurrent > 0 {
		g.SetLimit(a.opts.MaxConcurrent)
	}

	for i, p := range providers {
		g.Go(func() error {
			result, err := a.searchOne(gctx, p.ID, req)
			if err != nil {
				a.log.Warn("provider excluded from search", "provider", p.ID, "error", err)
				if a.metrics != nil {
					a.metrics.SearchFanoutFailed.WithLabelValues(p.ID).Inc()
				}
				warnMu.Lock()
				warnings = append(warnings, fmt.Sprintf("provider %s: %v", p.ID, err))
				warnMu.Unlock()
				return nil // per-provider failures never fail the fan-out
			}
			responses[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged, facets := a.merge(ctx, providers, responses, req.Query)
	sortByRelevance(merged, req.Query)

	result := &Result{
		Facets:          mergeFacets(facets),
		Total:           len(merged),
		FailedProviders: len(warnings),
		Warnings:        warnings,
	}
	result.Resources, result.NextPageToken = paginate(merged, page)
	return result, nil
}

func (a *Aggregator) searchOne(ctx context.Context, providerID string, req wire.SearchRequest) (*wire.SearchResult, error) {
	// Offset/limit are not forwarded: pagination is applied over the merged
	// set, not per provider.
	payload := wire.SearchRequest{
		Query:         req.Query,
		Filters:       req.Filters,
		ResourceTypes: req.ResourceTypes,
	}
	msg, err := wire.NewRequest(a.opts.Source, providerID, wire.TypeSearchResources, payload)
	if err != nil {
		return nil, err
	}
	resp, err := a.caller.Call(ctx, providerID, msg, a.opts.Timeout)
	if err != nil {
		return nil, err
	}
	var result wire.SearchResult
	if err := resp.DecodePayload(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// merge concatenates per-provider results in registry order, tagging each
// resource with its origin and writing it through to the cache.
func (a *Aggregator) merge(ctx context.Context, providers []provider.Provider, responses []*wire.SearchResult, query string) ([]wire.Resource, []map[string]map[string]int) {
	var merged []wire.Resource
	var facets []map[string]map[string]int

	for i, resp := range responses {
		if resp == nil {
			continue
		}
		pid := providers[i].ID
		for _, r := range resp.Resources {
			if r.Metadata == nil {
				r.Metadata = map[string]any{}
			}
			r.Metadata["provider"] = pid
			merged = append(merged, r)

			if a.cache != nil {
				if err := a.cache.Put(ctx, pid, r); err != nil {
					a.log.Warn("cache write-through failed", "provider", pid, "resource", r.ID, "error", err)
				}
			}
		}
		if len(resp.Facets) > 0 {
			facets = append(facets, resp.Facets)
		}
	}
	return merged, facets
}

// sortByRelevance orders items whose name contains the query
// (case-insensitive) before items that do not. The sort is stable, so ties
// keep merge order.
func sortByRelevance(resources []wire.Resource, query string) {
	if query == "" {
		return
	}
	q := strings.ToLower(query)
	sort.SliceStable(resources, func(i, j int) bool {
		iMatch := strings.Contains(strings.ToLower(resources[i].Name), q)
		jMatch := strings.Contains(strings.ToLower(resources[j].Name), q)
		return iMatch && !jMatch
	})
}

// mergeFacets sums value→count pairs across providers and sorts each field's
// values by descending count, ties broken lexically for determinism.
func mergeFacets(facets []map[string]map[string]int) map[string][]FacetValue {
	sums := make(map[string]map[string]int)
	for _, providerFacets := range facets {
		for field, values := range providerFacets {
			if sums[field] == nil {
				sums[field] = make(map[string]int)
			}
			for value, count := range values {
				sums[field][value] += count
			}
		}
	}

	out := make(map[string][]FacetValue, len(sums))
	for field, values := range sums {
		list := make([]FacetValue, 0, len(values))
		for value, count := range values {
			list = append(list, FacetValue{Value: value, Count: count})
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].Count != list[j].Count {
				return list[i].Count > list[j].Count
			}
			return list[i].Value < list[j].Value
		})
		out[field] = list
	}
	return out
}

// paginate applies the offset/limit window over the merged list and returns
// a next-page token only if more results remain beyond the window.
func paginate(merged []wire.Resource, page Pagination) ([]wire.Resource, string) {
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(merged) {
		return nil, ""
	}

	end := len(merged)
	if page.Limit > 0 && offset+page.Limit < end {
		end = offset + page.Limit
	}

	window := merged[offset:end]
	if end < len(merged) {
		return window, EncodePageToken(end)
	}
	return window, ""
}

// EncodePageToken encodes the next offset as an opaque token.
func EncodePageToken(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// DecodePageToken decodes a token produced by EncodePageToken.
func DecodePageToken(token string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid page token: %w", err)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid page token")
	}
	return offset, nil
}
