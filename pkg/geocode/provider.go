package geocode

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/eventimport/internal/resilience"
)

// Provider represents a single geocoding backend.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, address string) (*Result, error)
	Available() bool
}

// guardedProvider wraps a provider with its own rate limiter and circuit
// breaker.
type guardedProvider struct {
	Provider
	priority int
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
}

func (g *guardedProvider) Geocode(ctx context.Context, address string) (*Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "geocode: %s rate limit", g.Name())
	}
	return resilience.Call(ctx, g.breaker, func(ctx context.Context) (*Result, error) {
		return g.Provider.Geocode(ctx, address)
	})
}

// ProviderConfig attaches scheduling controls to a provider.
type ProviderConfig struct {
	Provider Provider
	Priority int     // lower runs first
	RPS      float64 // <= 0 means unlimited
	Burst    int
	Circuit  resilience.CircuitBreakerConfig
}

// CascadeClient tries geocode providers in priority order until one matches.
type CascadeClient struct {
	providers []*guardedProvider
}

// NewCascadeClient creates a CascadeClient over the configured providers.
// Unavailable providers (e.g. missing API key) are dropped.
func NewCascadeClient(cfgs ...ProviderConfig) *CascadeClient {
	c := &CascadeClient{}
	for _, pc := range cfgs {
		if pc.Provider == nil || !pc.Provider.Available() {
			continue
		}
		lim := rate.NewLimiter(rate.Inf, 1)
		if pc.RPS > 0 {
			burst := pc.Burst
			if burst <= 0 {
				burst = 1
			}
			lim = rate.NewLimiter(rate.Limit(pc.RPS), burst)
		}
		name := pc.Provider.Name()
		circuit := pc.Circuit
		if circuit.OnStateChange == nil {
			circuit.OnStateChange = func(from, to resilience.CircuitState) {
				zap.L().Warn("geocode: provider circuit changed",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}
		}
		c.providers = append(c.providers, &guardedProvider{
			Provider: pc.Provider,
			priority: pc.Priority,
			limiter:  lim,
			breaker:  resilience.NewCircuitBreaker(circuit),
		})
	}
	sort.SliceStable(c.providers, func(i, j int) bool {
		return c.providers[i].priority < c.providers[j].priority
	})
	return c
}

// Providers returns the provider names in the order they are tried.
func (c *CascadeClient) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Geocode implements Client. A provider error is logged and the next
// provider is tried. ErrNoMatch is returned when every provider missed; the
// last provider error is returned when every provider failed.
func (c *CascadeClient) Geocode(ctx context.Context, address string) (*Result, error) {
	normalized := Normalize(address)
	if normalized == "" {
		return nil, eris.Wrap(ErrNoMatch, "geocode: empty address")
	}

	var lastErr error
	missed := false
	for _, p := range c.providers {
		result, err := p.Geocode(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "geocode: cancelled")
			}
			zap.L().Debug("cascade: provider error, trying next",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		if result != nil && result.Matched {
			result.NormalizedAddress = normalized
			return result, nil
		}
		missed = true
	}

	if lastErr != nil && !missed {
		return nil, eris.Wrap(lastErr, "geocode: all providers failed")
	}
	return nil, eris.Wrapf(ErrNoMatch, "geocode: %q", address)
}
