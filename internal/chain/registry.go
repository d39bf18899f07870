package chain

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Config is the per-chain variant: each supported chain carries its own
// limits, fee and adapter, keyed by chain ID.
type Config struct {
	ID              string
	MinAmount       decimal.Decimal
	Fee             decimal.Decimal
	UrgentThreshold decimal.Decimal
	Adapter         Adapter
}

// Registry holds the supported chains.
type Registry struct {
	chains map[string]Config
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[string]Config)}
}

// Register adds or replaces a chain configuration.
func (r *Registry) Register(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[cfg.ID] = cfg
}

// Get returns the configuration for a chain ID.
func (r *Registry) Get(chainID string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.chains[chainID]
	if !ok {
		return Config{}, ErrUnsupportedChain
	}
	return cfg, nil
}

// Validate checks chain support and the chain minimum for an amount.
func (r *Registry) Validate(chainID string, amount decimal.Decimal) (Config, error) {
	cfg, err := r.Get(chainID)
	if err != nil {
		return Config{}, err
	}
	if amount.LessThan(cfg.MinAmount) {
		return Config{}, ErrBelowMinimum
	}
	return cfg, nil
}

// IDs returns the registered chain IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}
