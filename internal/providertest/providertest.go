// Package providertest runs an in-process catalog provider speaking the
// wire protocol over a real WebSocket, for exercising the client end to end
// without external services.
package providertest

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/buildsource/stockyard/pkg/provider"
	"github.com/buildsource/stockyard/pkg/wire"
)

// SearchFunc overrides the default search behavior.
type SearchFunc func(req wire.SearchRequest) wire.SearchResult

// InvokeFunc handles capability invocations. Returning a non-nil detail
// produces an error response.
type InvokeFunc func(inv wire.CapabilityInvocation) (map[string]any, *wire.ErrorDetail)

// Option configures the fake provider.
type Option func(*Provider)

// WithResources seeds the provider's catalog.
func WithResources(resources ...wire.Resource) Option {
	return func(p *Provider) {
		for _, r := range resources {
			p.resources[r.ID] = r
		}
	}
}

// WithSearch replaces the default substring search.
func WithSearch(fn SearchFunc) Option {
	return func(p *Provider) { p.search = fn }
}

// WithInvoke installs the capability handler.
func WithInvoke(fn InvokeFunc) Option {
	return func(p *Provider) { p.invoke = fn }
}

// WithSilentRequests makes the provider swallow correlated requests without
// answering, for exercising caller timeouts.
func WithSilentRequests() Option {
	return func(p *Provider) { p.silent = true }
}

// Provider is an in-process provider on a loopback listener. It can be
// stopped and restarted on the same address to exercise client reconnects.
type Provider struct {
	id       string
	addr     string
	server   *http.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*websocket.Conn]*sync.Mutex
	resources map[string]wire.Resource
	requests  int

	search SearchFunc
	invoke InvokeFunc
	silent bool
}

// New starts a provider listening on a random local port.
func New(id string, opts ...Option) *Provider {
	p := &Provider{
		id:        id,
		conns:     make(map[*websocket.Conn]*sync.Mutex),
		resources: make(map[string]wire.Resource),
	}
	for _, o := range opts {
		o(p)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("providertest: listen: %v", err))
	}
	p.addr = l.Addr().String()
	p.serve(l)
	return p
}

func (p *Provider) serve(l net.Listener) {
	srv := &http.Server{Handler: http.HandlerFunc(p.handle)}
	p.server = srv
	go srv.Serve(l)
}

// Close stops the provider and drops all connections.
func (p *Provider) Close() {
	p.Stop()
}

// Stop closes the listener and every live connection. The address stays
// reserved for a later Restart.
func (p *Provider) Stop() {
	p.mu.Lock()
	for c := range p.conns {
		c.Close()
	}
	p.conns = make(map[*websocket.Conn]*sync.Mutex)
	p.mu.Unlock()
	p.server.Close()
}

// Restart re-listens on the provider's original address so reconnecting
// clients find it again.
func (p *Provider) Restart() error {
	l, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("relisten on %s: %w", p.addr, err)
	}
	p.serve(l)
	return nil
}

// Endpoint returns the ws:// URL clients should dial.
func (p *Provider) Endpoint() string {
	return "ws://" + p.addr
}

// Definition returns the registry entry for this provider.
func (p *Provider) Definition(caps ...provider.Capability) provider.Provider {
	if len(caps) == 0 {
		caps = []provider.Capability{provider.CapabilitySearch, provider.CapabilitySubscribe}
	}
	return provider.Provider{
		ID:           p.id,
		Name:         p.id,
		Endpoint:     p.Endpoint(),
		Capabilities: caps,
	}
}

// Requests reports how many correlated requests the provider has received.
func (p *Provider) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// PushEvent sends an EVENT frame to every live connection.
func (p *Provider) PushEvent(ev wire.Event) error {
	msg, err := wire.NewRequest(p.id, "", wire.TypeEvent, ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for c, wmu := range p.conns {
		p.write(c, wmu, msg)
	}
	return nil
}

func (p *Provider) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wmu := &sync.Mutex{}
	p.mu.Lock()
	p.conns[conn] = wmu
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		conn.Close()
	}()

	hello, err := wire.NewRequest(p.id, "", wire.TypeHello, wire.Hello{
		Provider: p.id,
		Version:  wire.Version,
	})
	if err != nil {
		return
	}
	p.write(conn, wmu, hello)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}
		p.dispatch(conn, wmu, msg)
	}
}

func (p *Provider) dispatch(conn *websocket.Conn, wmu *sync.Mutex, msg *wire.Message) {
	if msg.Type == wire.TypePing {
		pong, err := wire.NewResponse(msg, p.id, wire.TypePong, nil)
		if err == nil {
			p.write(conn, wmu, pong)
		}
		return
	}

	p.mu.Lock()
	p.requests++
	silent := p.silent
	p.mu.Unlock()
	if silent {
		return
	}

	switch msg.Type {
	case wire.TypeSearchResources:
		p.handleSearch(conn, wmu, msg)
	case wire.TypeGetResource:
		p.handleGet(conn, wmu, msg)
	case wire.TypeInvokeCapability:
		p.handleInvoke(conn, wmu, msg)
	case wire.TypeSubscribe:
		p.reply(conn, wmu, msg, wire.TypeSubscribed, nil)
	case wire.TypeUnsubscribe:
		p.reply(conn, wmu, msg, wire.TypeUnsubscribed, nil)
	default:
		p.write(conn, wmu, wire.NewErrorResponse(msg, p.id, "UNSUPPORTED", "unsupported message type"))
	}
}

func (p *Provider) handleSearch(conn *websocket.Conn, wmu *sync.Mutex, msg *wire.Message) {
	var req wire.SearchRequest
	if err := msg.DecodePayload(&req); err != nil {
		p.write(conn, wmu, wire.NewErrorResponse(msg, p.id, "BAD_REQUEST", err.Error()))
		return
	}
	result := p.defaultSearch(req)
	if p.search != nil {
		result = p.search(req)
	}
	p.reply(conn, wmu, msg, wire.TypeSearchResult, result)
}

// defaultSearch matches by case-insensitive name substring and resource
// type, faceting on resource type.
func (p *Provider) defaultSearch(req wire.SearchRequest) wire.SearchResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := wire.SearchResult{Facets: map[string]map[string]int{}}
	query := strings.ToLower(req.Query)
	for _, r := range p.resources {
		if query != "" && !strings.Contains(strings.ToLower(r.Name), query) {
			continue
		}
		if len(req.ResourceTypes) > 0 && !contains(req.ResourceTypes, r.Type) {
			continue
		}
		result.Resources = append(result.Resources, r)
		if result.Facets["type"] == nil {
			result.Facets["type"] = map[string]int{}
		}
		result.Facets["type"][r.Type]++
	}
	result.Total = len(result.Resources)
	return result
}

func (p *Provider) handleGet(conn *websocket.Conn, wmu *sync.Mutex, msg *wire.Message) {
	var req wire.GetResourceRequest
	if err := msg.DecodePayload(&req); err != nil {
		p.write(conn, wmu, wire.NewErrorResponse(msg, p.id, "BAD_REQUEST", err.Error()))
		return
	}
	p.mu.Lock()
	r, ok := p.resources[req.ResourceID]
	p.mu.Unlock()
	if !ok {
		p.write(conn, wmu, wire.NewErrorResponse(msg, p.id, "NOT_FOUND", "no such resource: "+req.ResourceID))
		return
	}
	p.reply(conn, wmu, msg, wire.TypeResource, wire.ResourcePayload{Resource: r})
}

func (p *Provider) handleInvoke(conn *websocket.Conn, wmu *sync.Mutex, msg *wire.Message) {
	var inv wire.CapabilityInvocation
	if err := msg.DecodePayload(&inv); err != nil {
		p.write(conn, wmu, wire.NewErrorResponse(msg, p.id, "BAD_REQUEST", err.Error()))
		return
	}
	if p.invoke == nil {
		p.write(conn, wmu, wire.NewErrorResponse(msg, p.id, "UNSUPPORTED", "capability not implemented: "+inv.Capability))
		return
	}
	result, detail := p.invoke(inv)
	if detail != nil {
		p.write(conn, wmu, wire.NewErrorResponse(msg, p.id, detail.Code, detail.Message))
		return
	}
	p.reply(conn, wmu, msg, wire.TypeCapabilityResult, wire.CapabilityResult{Result: result})
}

func (p *Provider) reply(conn *websocket.Conn, wmu *sync.Mutex, req *wire.Message, t wire.Type, payload any) {
	resp, err := wire.NewResponse(req, p.id, t, payload)
	if err != nil {
		p.write(conn, wmu, wire.NewErrorResponse(req, p.id, "INTERNAL", err.Error()))
		return
	}
	p.write(conn, wmu, resp)
}

func (p *Provider) write(conn *websocket.Conn, wmu *sync.Mutex, msg *wire.Message) {
	data, err := wire.Encode(msg)
	if err != nil {
		return
	}
	wmu.Lock()
	conn.WriteMessage(websocket.TextMessage, data)
	wmu.Unlock()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
