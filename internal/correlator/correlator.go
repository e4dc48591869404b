// Package correlator turns fire-and-forget message sends into awaitable
// calls by matching responses to requests via correlation ids.
package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildsource/stockyard/internal/observability"
	stockerrors "github.com/buildsource/stockyard/pkg/errors"
	"github.com/buildsource/stockyard/pkg/wire"
)

const DefaultTimeout = 10 * time.Second

// Sender transmits a message to a provider's live connection.
type Sender interface {
	Send(ctx context.Context, providerID string, msg *wire.Message) error
}

// Correlator tracks pending requests in a single table. The entry for a
// request is removed exactly once: either by the arriving response or by the
// timeout, whichever takes it first. A late response finds no entry and is
// dropped.
type Correlator struct {
	sender         Sender
	defaultTimeout time.Duration
	metrics        *observability.Metrics
	log            *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *wire.Message
}

// New creates a correlator sending over the given transport.
func New(sender Sender, defaultTimeout time.Duration, metrics *observability.Metrics) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Correlator{
		sender:         sender,
		defaultTimeout: defaultTimeout,
		metrics:        metrics,
		log:            slog.Default().With("component", "correlator"),
		pending:        make(map[string]chan *wire.Message),
	}
}

// register creates the buffered(1) pending channel for the request id.
func (c *Correlator) register(id string) chan *wire.Message {
	ch := make(chan *wire.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.PendingRequests.Inc()
	}
	return ch
}

// take removes and returns the pending channel, if still present. Exactly
// one caller wins for a given id.
func (c *Correlator) take(id string) (chan *wire.Message, bool) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok && c.metrics != nil {
		c.metrics.PendingRequests.Dec()
	}
	return ch, ok
}

// Dispatch routes an inbound response to its waiting caller. Taking the
// entry and enqueueing the response happen under the table lock, so a
// concurrent timeout either wins the take or is guaranteed to find the
// response already buffered.
func (c *Correlator) Dispatch(providerID string, msg *wire.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.CorrelationID]
	if ok {
		delete(c.pending, msg.CorrelationID)
		ch <- msg // buffered(1), single producer, never blocks
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("dropping late or unknown response",
			"provider", providerID, "correlation", msg.CorrelationID)
		return
	}
	if c.metrics != nil {
		c.metrics.PendingRequests.Dec()
	}
}

// Call sends the request and blocks until the matching response arrives, the
// timeout fires, or ctx is canceled. No automatic retry; retry policy
// belongs to the caller.
func (c *Correlator) Call(ctx context.Context, providerID string, req *wire.Message, timeout time.Duration) (*wire.Message, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	ch := c.register(req.ID)

	if err := c.sender.Send(ctx, providerID, req); err != nil {
		c.take(req.ID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return c.resolve(providerID, resp)

	case <-timer.C:
		if _, ok := c.take(req.ID); !ok {
			// Dispatch won the race; the response is already buffered.
			return c.resolve(providerID, <-ch)
		}
		return nil, fmt.Errorf("request %s to %s: %w", req.ID, providerID, stockerrors.ErrTimeout)

	case <-ctx.Done():
		if _, ok := c.take(req.ID); !ok {
			return c.resolve(providerID, <-ch)
		}
		return nil, ctx.Err()
	}
}

func (c *Correlator) resolve(providerID string, resp *wire.Message) (*wire.Message, error) {
	if resp.Status == wire.StatusError {
		code, message := "unknown", "provider returned an error"
		if resp.Error != nil {
			code, message = resp.Error.Code, resp.Error.Message
		}
		return nil, &stockerrors.ProviderError{Provider: providerID, Code: code, Message: message}
	}
	return resp, nil
}

// PendingCount returns the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
