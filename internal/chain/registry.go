package chain

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrRegistryNotReady = errors.New("contract registry not ready")
	ErrUnknownContract  = errors.New("unknown contract")
)

// Registry maps logical contract identifiers to deployed addresses. It is written once, after every
// requested deployment is confirmed, and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	published bool
	addresses map[string]common.Address
}

func NewRegistry() *Registry {
	return &Registry{}
}

// GetContractAddress resolves a contract deployed for this environment.
func (r *Registry) GetContractAddress(id string) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.published {
		return common.Address{}, fmt.Errorf("%w: lookup of %q", ErrRegistryNotReady, id)
	}

	addr, ok := r.addresses[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %q was not deployed", ErrUnknownContract, id)
	}
	return addr, nil
}

// Ready reports whether the registry has been published.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.published
}

// IDs lists the deployed identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.addresses))
}

// Snapshot returns a copy of the identifier to address mapping.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.addresses))
	for id, addr := range r.addresses {
		out[id] = addr.Hex()
	}
	return out
}

func (r *Registry) publish(addresses map[string]common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.published {
		return errors.New("contract registry already published")
	}
	r.addresses = maps.Clone(addresses)
	if r.addresses == nil {
		r.addresses = map[string]common.Address{}
	}
	r.published = true
	return nil
}
