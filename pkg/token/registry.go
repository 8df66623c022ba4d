package token

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry maps token addresses to their ledgers.
type Registry struct {
	mu     sync.RWMutex
	tokens map[common.Address]*Token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[common.Address]*Token)}
}

// Register adds a token ledger. Returns an error on duplicate addresses.
func (r *Registry) Register(t *Token) error {
	if t == nil {
		return fmt.Errorf("cannot register nil token")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[t.Address()]; exists {
		return fmt.Errorf("token %s already registered", t.Address().Hex())
	}
	r.tokens[t.Address()] = t
	return nil
}

// Get retrieves a token ledger by address.
func (r *Registry) Get(addr common.Address) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tokens[addr]
	if !exists {
		return nil, fmt.Errorf("token %s not found", addr.Hex())
	}
	return t, nil
}

// List returns all registered tokens.
func (r *Registry) List() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		tokens = append(tokens, t)
	}
	return tokens
}
