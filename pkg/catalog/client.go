// Package catalog provides the protocol client: N provider connections,
// request correlation, resource caching, event routing, and aggregated
// search behind one facade.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildsource/stockyard/internal/aggregate"
	"github.com/buildsource/stockyard/internal/cache"
	"github.com/buildsource/stockyard/internal/cachestore"
	"github.com/buildsource/stockyard/internal/conn"
	"github.com/buildsource/stockyard/internal/correlator"
	"github.com/buildsource/stockyard/internal/observability"
	"github.com/buildsource/stockyard/internal/subscription"
	stockerrors "github.com/buildsource/stockyard/pkg/errors"
	"github.com/buildsource/stockyard/pkg/logging"
	"github.com/buildsource/stockyard/pkg/provider"
	"github.com/buildsource/stockyard/pkg/wire"
)

// Options configures the client. Zero values fall back to sane defaults.
type Options struct {
	// Source identifies this client on outbound messages.
	Source string
	// DefaultTimeout bounds every correlated call without an explicit timeout.
	DefaultTimeout time.Duration
	// MaxConcurrent bounds fan-out parallelism.
	MaxConcurrent int
	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration
	// PingInterval is how often live connections are probed.
	PingInterval time.Duration
	// EventBuffer is the per-subscription delivery buffer size.
	EventBuffer int
	// CacheTTL bounds cached resource lifetime. Zero disables caching.
	CacheTTL time.Duration
	// CacheSweepInterval is how often expired entries are swept.
	CacheSweepInterval time.Duration
}

// Option configures client behavior.
type Option func(*Client)

// WithStateListener registers a callback for provider state transitions.
func WithStateListener(fn func(providerID string, state conn.State)) Option {
	return func(c *Client) { c.stateListener = fn }
}

// Client is the protocol engine facade. Construct with New, start with
// Connect, release with Close.
type Client struct {
	registry   *provider.Registry
	manager    *conn.Manager
	correlator *correlator.Correlator
	cache      *cache.Cache
	subs       *subscription.Table
	aggregator *aggregate.Aggregator
	metrics    *observability.Metrics
	log        *logging.Logger

	opts          Options
	stateListener func(providerID string, state conn.State)

	cancel  context.CancelFunc
	started atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// New wires the client from a provider registry and a cache backend.
// The client takes ownership of the backend and closes it on Close.
func New(registry *provider.Registry, backend cachestore.Backend, opts Options, metrics *observability.Metrics, clientOpts ...Option) *Client {
	if opts.Source == "" {
		opts.Source = "stockyard-client"
	}

	c := &Client{
		registry: registry,
		metrics:  metrics,
		log:      logging.New(nil).WithComponent("catalog"),
		opts:     opts,
	}
	for _, o := range clientOpts {
		o(c)
	}

	c.cache = cache.New(backend, opts.CacheTTL, opts.CacheSweepInterval, metrics)
	c.subs = subscription.NewTable(opts.EventBuffer)

	c.manager = conn.NewManager(registry, conn.Options{
		Source:         opts.Source,
		ReconnectDelay: opts.ReconnectDelay,
		PingInterval:   opts.PingInterval,
	}, conn.Callbacks{
		OnResponse:    c.onResponse,
		OnEvent:       c.onEvent,
		OnStateChange: c.onStateChange,
	}, metrics)

	c.correlator = correlator.New(c.manager, opts.DefaultTimeout, metrics)

	c.aggregator = aggregate.New(registry, c.correlator, c.cache, aggregate.Options{
		Source:        opts.Source,
		Timeout:       opts.DefaultTimeout,
		MaxConcurrent: opts.MaxConcurrent,
	}, metrics)

	return c
}

// Connect starts the per-provider connection loops and the cache sweeper.
// It returns immediately; connections are established in the background.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return stockerrors.ErrClosed
	}
	if c.started.Swap(true) {
		return fmt.Errorf("client already connected")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	if err := c.manager.Start(runCtx); err != nil {
		cancel()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.cache.Run(runCtx)
	}()
	return nil
}

// Close tears down connections, subscriptions, and the cache backend.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	err := c.manager.Close()
	for _, s := range c.subs.All() {
		c.subs.Remove(s.ID())
	}
	c.wg.Wait()
	if cerr := c.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// onResponse runs on a connection's read goroutine.
func (c *Client) onResponse(providerID string, msg *wire.Message) {
	c.correlator.Dispatch(providerID, msg)
}

// onEvent runs on a connection's read goroutine: invalidate before routing
// so a subscriber reacting to the event never sees the stale cached copy.
func (c *Client) onEvent(providerID string, msg *wire.Message) {
	var ev wire.Event
	if err := msg.DecodePayload(&ev); err != nil {
		c.log.Warn("dropping malformed event", "provider", providerID, "error", err)
		return
	}

	if ev.ResourceID != "" {
		if err := c.cache.Invalidate(context.Background(), providerID, ev.ResourceID); err != nil {
			c.log.Warn("cache invalidation failed", "provider", providerID, "resource", ev.ResourceID, "error", err)
		}
	}

	delivered := c.subs.Route(providerID, ev)
	if c.metrics != nil && delivered > 0 {
		c.metrics.EventsRouted.WithLabelValues(ev.EventType).Add(float64(delivered))
	}
}

func (c *Client) onStateChange(providerID string, state conn.State) {
	if c.stateListener != nil {
		c.stateListener(providerID, state)
	}
}

// GetResource returns a resource snapshot, serving repeat lookups from the
// cache until the entry expires or an event invalidates it.
func (c *Client) GetResource(ctx context.Context, providerID, resourceID string) (*wire.Resource, error) {
	if _, ok := c.registry.Get(providerID); !ok {
		return nil, fmt.Errorf("%w: %s", stockerrors.ErrUnknownProvider, providerID)
	}

	op, ctx := observability.StartOperation(ctx, c.metrics, "catalog.get_resource")
	var err error
	defer func() { op.End(err) }()

	if cached, ok := c.cache.Get(ctx, providerID, resourceID); ok {
		return cached, nil
	}

	var req *wire.Message
	req, err = wire.NewRequest(c.opts.Source, providerID, wire.TypeGetResource, wire.GetResourceRequest{ResourceID: resourceID})
	if err != nil {
		return nil, err
	}
	var resp *wire.Message
	resp, err = c.correlator.Call(ctx, providerID, req, 0)
	if err != nil {
		return nil, err
	}

	var payload wire.ResourcePayload
	if err = resp.DecodePayload(&payload); err != nil {
		return nil, err
	}
	resource := payload.Resource
	if resource.Metadata == nil {
		resource.Metadata = map[string]any{}
	}
	resource.Metadata["provider"] = providerID

	if cerr := c.cache.Put(ctx, providerID, resource); cerr != nil {
		c.log.Warn("cache write failed", "provider", providerID, "resource", resource.ID, "error", cerr)
	}
	return &resource, nil
}

// Invoke performs a single-provider capability invocation. Unlike fan-out
// search, provider errors surface directly to the caller.
func (c *Client) Invoke(ctx context.Context, providerID string, capability provider.Capability, params map[string]any) (map[string]any, error) {
	p, ok := c.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", stockerrors.ErrUnknownProvider, providerID)
	}
	if !p.Supports(capability) {
		return nil, fmt.Errorf("%w: provider %s does not support %s", stockerrors.ErrUnknownCapability, providerID, capability)
	}

	op, ctx := observability.StartOperation(ctx, c.metrics, "catalog.invoke")
	var err error
	defer func() { op.End(err) }()

	var req *wire.Message
	req, err = wire.NewRequest(c.opts.Source, providerID, wire.TypeInvokeCapability, wire.CapabilityInvocation{
		Capability: string(capability),
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}
	var resp *wire.Message
	resp, err = c.correlator.Call(ctx, providerID, req, 0)
	if err != nil {
		return nil, err
	}

	var result wire.CapabilityResult
	if err = resp.DecodePayload(&result); err != nil {
		return nil, err
	}
	return result.Result, nil
}

// Search fans the query out to every provider that supports search and
// merges the responses into one paginated virtual result set.
func (c *Client) Search(ctx context.Context, req wire.SearchRequest, page aggregate.Pagination) (*aggregate.Result, error) {
	op, ctx := observability.StartOperation(ctx, c.metrics, "catalog.search")
	result, err := c.aggregator.Search(ctx, req, page)
	op.End(err)
	return result, err
}

// SearchPage continues a search from an opaque next-page token.
func (c *Client) SearchPage(ctx context.Context, req wire.SearchRequest, token string, limit int) (*aggregate.Result, error) {
	offset := 0
	if token != "" {
		var err error
		offset, err = aggregate.DecodePageToken(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", stockerrors.ErrInvalidInput, err)
		}
	}
	return c.Search(ctx, req, aggregate.Pagination{Offset: offset, Limit: limit})
}

// Subscribe registers a local subscription and best-effort notifies every
// provider with the subscribe capability. Failing to reach a provider does
// not fail the subscribe; that provider simply contributes no events until
// it reconnects.
func (c *Client) Subscribe(ctx context.Context, spec subscription.Spec) (*subscription.Subscription, error) {
	sub, err := c.subs.Add(spec)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.Subscriptions.Set(float64(c.subs.Count()))
	}

	c.notifyProviders(ctx, wire.TypeSubscribe, sub.ID(), spec)
	return sub, nil
}

// Unsubscribe removes the local subscription and best-effort notifies
// providers.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	sub, ok := c.subs.Remove(id)
	if !ok {
		return fmt.Errorf("%w: subscription %s", stockerrors.ErrNotFound, id)
	}
	if c.metrics != nil {
		c.metrics.Subscriptions.Set(float64(c.subs.Count()))
	}

	c.notifyProviders(ctx, wire.TypeUnsubscribe, sub.ID(), sub.Spec())
	return nil
}

// notifyProviders fans a subscribe/unsubscribe request to each capable
// provider, swallowing per-provider failures.
func (c *Client) notifyProviders(ctx context.Context, msgType wire.Type, subID string, spec subscription.Spec) {
	payload := wire.SubscribeRequest{
		SubscriptionID: subID,
		ResourceIDs:    spec.ResourceIDs,
		ResourceTypes:  spec.ResourceTypes,
		EventTypes:     spec.EventTypes,
		Filter:         spec.Filter,
	}

	var wg sync.WaitGroup
	for _, p := range c.registry.WithCapability(provider.CapabilitySubscribe) {
		wg.Add(1)
		go func(p provider.Provider) {
			defer wg.Done()
			req, err := wire.NewRequest(c.opts.Source, p.ID, msgType, payload)
			if err == nil {
				_, err = c.correlator.Call(ctx, p.ID, req, 0)
			}
			if err != nil {
				c.log.Warn("subscription notify failed", "provider", p.ID, "type", msgType, "error", err)
			}
		}(p)
	}
	wg.Wait()
}

// Status returns the externally visible connection state per provider.
func (c *Client) Status() map[string]conn.State {
	return c.manager.States()
}

// Connected reports whether the provider currently has a live connection.
func (c *Client) Connected(providerID string) bool {
	return c.manager.Connected(providerID)
}

// CacheStats returns resource cache statistics.
func (c *Client) CacheStats(ctx context.Context) (*cachestore.Stats, error) {
	return c.cache.Stats(ctx)
}

// Registry returns the provider registry the client was built with.
func (c *Client) Registry() *provider.Registry {
	return c.registry
}
