package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ShutdownCoordinator collects named teardown hooks and runs them
// last-registered-first, so dependents close before what they depend on
// (the metrics server before the tracer that exports its spans).
type ShutdownCoordinator struct {
	mu    sync.Mutex
	hooks []teardownHook
}

type teardownHook struct {
	name string
	fn   func(context.Context) error
}

// Register adds a teardown hook under a name used in shutdown logs.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, teardownHook{name: name, fn: fn})
}

// Shutdown runs every hook in reverse registration order. A failing hook
// does not stop the rest; all failures are reported together.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hooks := make([]teardownHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		slog.Info("shutting down", "component", h.name)
		if err := h.fn(ctx); err != nil {
			slog.Error("shutdown error", "component", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
