// Package conn owns one persistent WebSocket connection per provider:
// dialing, liveness probing, inbound dispatch, and perpetual reconnection.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/buildsource/stockyard/internal/observability"
	stockerrors "github.com/buildsource/stockyard/pkg/errors"
	"github.com/buildsource/stockyard/pkg/provider"
	"github.com/buildsource/stockyard/pkg/wire"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultPingInterval   = 30 * time.Second
)

// State is the externally visible per-provider connection state. There is no
// intermediate "connecting" state exposed to callers.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Callbacks route inbound traffic out of the read loop. All callbacks must
// be cheap; they run on the connection's read goroutine.
type Callbacks struct {
	// OnResponse receives messages carrying a correlation id.
	OnResponse func(providerID string, msg *wire.Message)
	// OnEvent receives EVENT messages.
	OnEvent func(providerID string, msg *wire.Message)
	// OnStateChange is notified on every connected/disconnected transition.
	OnStateChange func(providerID string, state State)
}

// Options configures the manager.
type Options struct {
	// Source identifies this client on outbound messages.
	Source string
	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration
	// PingInterval is how often a liveness probe is sent on live connections.
	PingInterval time.Duration
}

// Manager maintains one live connection per registered provider.
type Manager struct {
	registry  *provider.Registry
	opts      Options
	callbacks Callbacks
	metrics   *observability.Metrics
	log       *slog.Logger

	mu       sync.Mutex
	conns    map[string]*conn
	limiters map[string]*rate.Limiter
	started  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// conn is one live provider connection. Writes are serialized by writeMu;
// reads happen on a single goroutine.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewManager creates a connection manager for every provider in the registry.
func NewManager(registry *provider.Registry, opts Options, callbacks Callbacks, metrics *observability.Metrics) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Source == "" {
		opts.Source = "stockyard-client"
	}

	m := &Manager{
		registry:  registry,
		opts:      opts,
		callbacks: callbacks,
		metrics:   metrics,
		log:       slog.Default().With("component", "conn"),
		conns:     make(map[string]*conn),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, p := range registry.All() {
		m.limiters[p.ID] = newLimiter(p.RateLimit)
	}
	return m
}

func newLimiter(rl provider.RateLimit) *rate.Limiter {
	if rl.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
}

// Start launches one connect/reconnect loop per provider. It returns
// immediately; connections are established in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	for _, p := range m.registry.All() {
		m.wg.Add(1)
		go func(p provider.Provider) {
			defer m.wg.Done()
			m.run(ctx, p)
		}(p)
	}
	return nil
}

// run is the perpetual per-provider connect loop: dial, serve the connection
// until it drops, wait the fixed delay, repeat. Reconnection is not capped;
// providers are assumed to be long-lived external services.
func (m *Manager) run(ctx context.Context, p provider.Provider) {
	log := m.log.With("provider", p.ID)
	for {
		if ctx.Err() != nil {
			return
		}

		ws, err := m.dial(ctx, p)
		if err != nil {
			log.Warn("connect failed", "error", err)
			if m.metrics != nil {
				m.metrics.Reconnects.WithLabelValues(p.ID).Inc()
			}
			if !sleep(ctx, m.opts.ReconnectDelay) {
				return
			}
			continue
		}

		c := &conn{ws: ws}
		m.mu.Lock()
		m.conns[p.ID] = c
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ConnectedProviders.Inc()
		}
		log.Info("connected", "endpoint", p.Endpoint)
		m.notify(p.ID, StateConnected)

		// Liveness probe straight after connect.
		if err := m.writePing(c, p.ID); err != nil {
			log.Warn("initial ping failed", "error", err)
		}

		pingCtx, stopPing := context.WithCancel(ctx)
		go m.pingLoop(pingCtx, c, p.ID)

		err = m.readLoop(c, p.ID)
		stopPing()

		m.mu.Lock()
		if m.conns[p.ID] == c {
			delete(m.conns, p.ID)
		}
		m.mu.Unlock()
		_ = ws.Close()
		if m.metrics != nil {
			m.metrics.ConnectedProviders.Dec()
		}

		if ctx.Err() != nil {
			m.notify(p.ID, StateDisconnected)
			return
		}

		// In-flight requests are left to expire on their own timeouts.
		log.Warn("connection lost", "error", err)
		m.notify(p.ID, StateDisconnected)
		if !sleep(ctx, m.opts.ReconnectDelay) {
			return
		}
	}
}

// notify reports a state transition to the registered callback, if any.
func (m *Manager) notify(providerID string, state State) {
	if m.callbacks.OnStateChange != nil {
		m.callbacks.OnStateChange(providerID, state)
	}
}

func (m *Manager) dial(ctx context.Context, p provider.Provider) (*websocket.Conn, error) {
	header := http.Header{}
	switch p.Auth.Type {
	case "bearer":
		if cred := p.Auth.Credential(); cred != "" {
			header.Set("Authorization", "Bearer "+cred)
		}
	case "api-key":
		h := p.Auth.Header
		if h == "" {
			h = "X-Api-Key"
		}
		if cred := p.Auth.Credential(); cred != "" {
			header.Set(h, cred)
		}
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, p.Endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Endpoint, err)
	}
	return ws, nil
}

// readLoop reads frames until the connection fails. Dispatch is O(1) and
// never blocks: responses and events are handed to the callbacks, which own
// any buffering.
func (m *Manager) readLoop(c *conn, providerID string) error {
	log := m.log.With("provider", providerID)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := wire.Decode(data)
		if err != nil {
			log.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch {
		case msg.Type == wire.TypePong:
			log.Debug("pong", "correlation", msg.CorrelationID)
		case msg.Type == wire.TypePing:
			if err := m.writePong(c, providerID, msg); err != nil {
				log.Debug("pong write failed", "error", err)
			}
		case msg.Type == wire.TypeHello:
			var hello wire.Hello
			if err := msg.DecodePayload(&hello); err == nil {
				log.Info("provider hello", "name", hello.Provider, "capabilities", hello.Capabilities)
			} else {
				log.Info("provider hello (unparsed payload)")
			}
		case msg.Type == wire.TypeEvent:
			if m.callbacks.OnEvent != nil {
				m.callbacks.OnEvent(providerID, msg)
			}
		case msg.IsResponse():
			if m.callbacks.OnResponse != nil {
				m.callbacks.OnResponse(providerID, msg)
			}
		default:
			log.Warn("dropping unroutable message", "type", msg.Type, "id", msg.ID)
		}
	}
}

// Send serializes and transmits a message to the provider, honoring its
// declared rate limit. Fails with ErrNoConnection when the provider has no
// live connection.
func (m *Manager) Send(ctx context.Context, providerID string, msg *wire.Message) error {
	m.mu.Lock()
	c := m.conns[providerID]
	limiter := m.limiters[providerID]
	m.mu.Unlock()

	if c == nil {
		return fmt.Errorf("provider %s: %w", providerID, stockerrors.ErrNoConnection)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return m.write(c, msg)
}

func (m *Manager) write(c *conn, msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) writePing(c *conn, providerID string) error {
	ping, err := wire.NewRequest(m.opts.Source, providerID, wire.TypePing, nil)
	if err != nil {
		return err
	}
	return m.write(c, ping)
}

func (m *Manager) writePong(c *conn, providerID string, ping *wire.Message) error {
	pong, err := wire.NewResponse(ping, m.opts.Source, wire.TypePong, nil)
	if err != nil {
		return err
	}
	return m.write(c, pong)
}

// pingLoop periodically probes the live connection. Write errors are left to
// the read loop, which observes the failure first.
func (m *Manager) pingLoop(ctx context.Context, c *conn, providerID string) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.writePing(c, providerID); err != nil {
				return
			}
		}
	}
}

// State returns the externally visible state of one provider.
func (m *Manager) State(providerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[providerID]; ok {
		return StateConnected
	}
	return StateDisconnected
}

// States returns the state of every registered provider.
func (m *Manager) States() map[string]State {
	states := make(map[string]State, m.registry.Len())
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.registry.All() {
		if _, ok := m.conns[p.ID]; ok {
			states[p.ID] = StateConnected
		} else {
			states[p.ID] = StateDisconnected
		}
	}
	return states
}

// Connected reports whether the provider currently has a live connection.
func (m *Manager) Connected(providerID string) bool {
	return m.State(providerID) == StateConnected
}

// Close stops all reconnect loops and closes every live connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	conns := make([]*conn, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	}
	m.wg.Wait()
	return nil
}

// sleep waits for d or until ctx is done, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
