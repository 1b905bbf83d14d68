// Package clientcache guarantees at most one live provider client per account
// identifier for the process lifetime.
package clientcache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/finbridge/paygate/errs"
	"github.com/finbridge/paygate/internal/provider"
	"github.com/finbridge/paygate/internal/registry"
)

// Factory constructs a provider client bound to the descriptor's credential.
type Factory func(desc registry.AccountDescriptor) provider.Client

// Cache memoizes provider clients keyed by account identifier. Entries are
// never evicted; credential rotation requires a process restart.
type Cache struct {
	mu       sync.RWMutex
	registry *registry.Registry
	factory  Factory
	clients  map[string]provider.Client

	hitCounter  metric.Int64Counter
	missCounter metric.Int64Counter
}

// New constructs a cache over the registry using factory for misses.
func New(reg *registry.Registry, factory Factory) *Cache {
	meter := otel.Meter("github.com/finbridge/paygate/internal/clientcache")
	hits, _ := meter.Int64Counter("paygate.client_cache.hits",
		metric.WithDescription("Provider client cache hits."))
	misses, _ := meter.Int64Counter("paygate.client_cache.misses",
		metric.WithDescription("Provider client cache misses."))

	return &Cache{
		mu:          sync.RWMutex{},
		registry:    reg,
		factory:     factory,
		clients:     make(map[string]provider.Client),
		hitCounter:  hits,
		missCounter: misses,
	}
}

// ClientFor returns the memoized client for id, constructing it on first use.
// A concurrent first access may construct more than one client; all are
// functionally equivalent and exactly one ends up cached.
func (c *Cache) ClientFor(id string) (provider.Client, error) {
	c.mu.RLock()
	cached, ok := c.clients[id]
	c.mu.RUnlock()
	if ok {
		c.count(c.hitCounter, id)
		return cached, nil
	}

	desc, found, err := c.registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New("clientcache", errs.CodeAccountNotFound,
			errs.WithMessage("account "+id+" not found"))
	}
	if desc.Key == "" {
		return nil, errs.New("clientcache", errs.CodeCredentialMissing,
			errs.WithMessage("account "+id+" has no usable credential"))
	}

	client := c.factory(desc)
	c.count(c.missCounter, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[id]; ok {
		return existing, nil
	}
	c.clients[id] = client
	return client, nil
}

// DefaultClient returns the client for the legacy default account.
func (c *Cache) DefaultClient() (provider.Client, error) {
	return c.ClientFor(registry.DefaultAccountID)
}

func (c *Cache) count(counter metric.Int64Counter, id string) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("account_id", id)))
}
