package provider

import (
	"context"
	"fmt"

	"github.com/tenvoicebridge/realtime-bridge/internal/resilience"
)

// Fallback orders a session's configured provider names and drives
// connect-and-configure attempts through them in turn via a circuit
// breaker per name, so a provider that is currently failing is skipped
// without retrying it on every call.
type Fallback struct {
	group   *resilience.FallbackGroup[Name]
	factory Factory
}

// NewFallback builds a Fallback trying names in order, primary first.
// factory constructs a fresh Adapter for a given name.
func NewFallback(factory Factory, names ...Name) (*Fallback, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("provider: at least one provider name required")
	}
	group := resilience.NewFallbackGroup(names[0], string(names[0]), resilience.FallbackConfig{})
	for _, n := range names[1:] {
		group.AddFallback(string(n), n)
	}
	return &Fallback{group: group, factory: factory}, nil
}

// connectResult bundles the Adapter with the name that produced it, since
// ExecuteWithResult is generic over a single return value.
type connectResult struct {
	adapter Adapter
	name    Name
}

// Connect tries each provider name in order (skipping open-circuit
// entries), calling Connect then Configure on a freshly built Adapter.
// Returns the connected Adapter and the name that succeeded, or an error
// wrapping resilience.ErrAllFailed if every entry failed.
func (f *Fallback) Connect(ctx context.Context, cfg Config) (Adapter, Name, error) {
	result, err := resilience.ExecuteWithResult(f.group, func(name Name) (connectResult, error) {
		adapter, err := f.factory(name)
		if err != nil {
			return connectResult{}, fmt.Errorf("provider: building %s adapter: %w", name, err)
		}
		if err := adapter.Connect(ctx); err != nil {
			return connectResult{}, fmt.Errorf("provider: connecting %s: %w", name, err)
		}
		if err := adapter.Configure(ctx, cfg); err != nil {
			adapter.Disconnect()
			return connectResult{}, fmt.Errorf("provider: configuring %s: %w", name, err)
		}
		return connectResult{adapter: adapter, name: name}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return result.adapter, result.name, nil
}
